package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/token"
)

// --- fakes ---

type fakeTokens struct {
	mu        sync.Mutex
	calls     int
	failN     int // first failN calls fail
	alwaysErr error
}

func (f *fakeTokens) Fetch(ctx context.Context, room domain.RoomName, uid *uint32) (token.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.alwaysErr != nil {
		return token.Credential{}, f.alwaysErr
	}
	if f.calls <= f.failN {
		return token.Credential{}, fmt.Errorf("attempt %d refused", f.calls)
	}
	// Every successful mint is distinct, so reuse across attempts would show.
	return token.Credential{Token: fmt.Sprintf("tok-%d", f.calls), UID: uint32(1000 + f.calls)}, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLocalTrack struct {
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
	closes  int
}

func newFakeLocalTrack(kind TrackKind) *fakeLocalTrack {
	return &fakeLocalTrack{kind: kind, enabled: true}
}

func (t *fakeLocalTrack) Kind() TrackKind { return t.kind }

func (t *fakeLocalTrack) SetEnabled(e bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = e
	return nil
}

func (t *fakeLocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeLocalTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeLocalTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type fakeRemoteTrack struct {
	id   string
	kind TrackKind
}

func (t *fakeRemoteTrack) ID() string      { return t.id }
func (t *fakeRemoteTrack) Kind() TrackKind { return t.kind }

type subscription struct {
	uid  uint32
	kind TrackKind
}

type fakeTransport struct {
	mu      sync.Mutex
	handler EventHandler

	joinErr       error
	joinGate      chan struct{} // when set, Join parks here
	assignUID     uint32
	joinedCreds   []token.Credential
	connAfterJoin ConnState

	trackErr     error
	trackGate    chan struct{} // when set, CreateLocalTracks parks here
	trackCalls   int
	partialTrack bool
	created      []*fakeLocalTrack

	publishErr error
	published  [][]LocalTrack

	subs   []subscription
	played []uint32
	leaves int

	remotes map[uint32]RemoteInfo
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		assignUID:     4021,
		connAfterJoin: ConnConnected,
		remotes:       make(map[uint32]RemoteInfo),
	}
}

func (f *fakeTransport) SetHandler(h EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Join(ctx context.Context, appID string, room domain.RoomName, cred token.Credential) (uint32, error) {
	f.mu.Lock()
	gate := f.joinGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return 0, f.joinErr
	}
	f.joinedCreds = append(f.joinedCreds, cred)
	return f.assignUID, nil
}

func (f *fakeTransport) CreateLocalTracks(ctx context.Context) ([]LocalTrack, error) {
	f.mu.Lock()
	f.trackCalls++
	gate := f.trackGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		if f.partialTrack {
			t := newFakeLocalTrack(TrackAudio)
			f.created = append(f.created, t)
			return []LocalTrack{t}, f.trackErr
		}
		return nil, f.trackErr
	}
	a := newFakeLocalTrack(TrackAudio)
	v := newFakeLocalTrack(TrackVideo)
	f.created = append(f.created, a, v)
	return []LocalTrack{a, v}, nil
}

func (f *fakeTransport) Publish(ctx context.Context, tracks []LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, tracks)
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, uid uint32, kind TrackKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subscription{uid, kind})
	return nil
}

func (f *fakeTransport) PlayAudio(uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, uid)
	return nil
}

func (f *fakeTransport) RemoteParticipant(uid uint32) (RemoteInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ri, ok := f.remotes[uid]
	return ri, ok
}

func (f *fakeTransport) RemoteParticipants() []RemoteInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RemoteInfo, 0, len(f.remotes))
	for _, ri := range f.remotes {
		out = append(out, ri)
	}
	return out
}

func (f *fakeTransport) ConnectionState() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connAfterJoin
}

func (f *fakeTransport) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeTransport) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

func (f *fakeTransport) subscriptions() []subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]subscription, len(f.subs))
	copy(out, f.subs)
	return out
}

// publishVideo marks uid as publishing video (handle optional) and fires the
// event through the registered handler.
func (f *fakeTransport) publishVideo(uid uint32, track RemoteTrack) {
	f.mu.Lock()
	ri := f.remotes[uid]
	ri.UID = uid
	ri.HasVideo = true
	ri.VideoTrack = track
	f.remotes[uid] = ri
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnParticipantPublished(uid, TrackVideo)
	}
}

func (f *fakeTransport) publishAudio(uid uint32, track RemoteTrack) {
	f.mu.Lock()
	ri := f.remotes[uid]
	ri.UID = uid
	ri.HasAudio = true
	ri.AudioTrack = track
	f.remotes[uid] = ri
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnParticipantPublished(uid, TrackAudio)
	}
}

// attachVideoTrack simulates the handle arriving after the publish event.
func (f *fakeTransport) attachVideoTrack(uid uint32, track RemoteTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ri := f.remotes[uid]
	ri.UID = uid
	ri.HasVideo = true
	ri.VideoTrack = track
	f.remotes[uid] = ri
}

type captureEvents struct {
	mu     sync.Mutex
	states []State
	snaps  [][]Participant
	errs   []error
}

func (e *captureEvents) OnStateChanged(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, s)
}

func (e *captureEvents) OnParticipants(p []Participant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snaps = append(e.snaps, p)
}

func (e *captureEvents) OnSessionError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *captureEvents) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

func fastOpts() Options {
	return Options{
		AppID:           "app-1",
		TokenRetryDelay: 5 * time.Millisecond,
		ReadyChecks: []time.Duration{
			0,
			20 * time.Millisecond,
			60 * time.Millisecond,
			120 * time.Millisecond,
			250 * time.Millisecond,
			500 * time.Millisecond,
		},
	}
}

const room = domain.RoomName("patient-p1-doctor-d1")

// --- tests ---

func TestJoinHappyPath(t *testing.T) {
	tr := newFakeTransport()
	toks := &fakeTokens{}
	ev := &captureEvents{}
	c := NewController(toks, tr, ev, fastOpts())

	require.NoError(t, c.Join(context.Background(), room))

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, uint32(4021), c.UID())
	assert.Equal(t, room, c.Room())
	assert.Equal(t, 1, toks.count())
	require.Len(t, tr.published, 1)
	assert.Len(t, tr.published[0], 2)

	ev.mu.Lock()
	assert.Equal(t, []State{StateTokenPending, StateJoining, StateActive}, ev.states)
	ev.mu.Unlock()
}

func TestJoinNoAppID(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, Options{TokenRetryDelay: time.Millisecond})

	err := c.Join(context.Background(), room)
	assert.ErrorIs(t, err, ErrNoAppID)
	// Fatal before any token traffic.
	assert.Empty(t, tr.joinedCreds)
}

func TestTokenRetryUsesFreshCredential(t *testing.T) {
	tr := newFakeTransport()
	toks := &fakeTokens{failN: 2}
	c := NewController(toks, tr, nil, fastOpts())

	require.NoError(t, c.Join(context.Background(), room))

	// Two failures then a fresh mint; the transport joins with the third
	// credential, never a cached one.
	assert.Equal(t, 3, toks.count())
	require.Len(t, tr.joinedCreds, 1)
	assert.Equal(t, "tok-3", tr.joinedCreds[0].Token)
}

func TestTokenRetriesExhausted(t *testing.T) {
	tr := newFakeTransport()
	toks := &fakeTokens{alwaysErr: errors.New("boom")}
	c := NewController(toks, tr, nil, fastOpts())

	err := c.Join(context.Background(), room)

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, CauseTokenFetch, je.Cause)
	assert.Equal(t, 3, toks.count())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, tr.joinedCreds)
}

func TestTransportJoinFailureNotRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.joinErr = errors.New("rejected")
	toks := &fakeTokens{}
	c := NewController(toks, tr, nil, fastOpts())

	err := c.Join(context.Background(), room)

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, CauseTransportJoin, je.Cause)
	// Retry is for token fetch only.
	assert.Equal(t, 1, toks.count())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDeviceFailureReleasesPartialTracks(t *testing.T) {
	tr := newFakeTransport()
	tr.trackErr = errors.New("camera busy")
	tr.partialTrack = true
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	err := c.Join(context.Background(), room)

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, CauseDevice, je.Cause)
	// The partially acquired track was released and the room left before the
	// error surfaced.
	require.Len(t, tr.created, 1)
	assert.Equal(t, 1, tr.created[0].closeCount())
	assert.Equal(t, 1, tr.leaveCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestPublishGuardedByConnectionState(t *testing.T) {
	tr := newFakeTransport()
	tr.connAfterJoin = ConnDisconnected
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	err := c.Join(context.Background(), room)

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, CauseTransportJoin, je.Cause)
	assert.Empty(t, tr.published)
	// Tracks acquired before the guard still get released.
	for _, tk := range tr.created {
		assert.Equal(t, 1, tk.closeCount())
	}
}

func TestSubscribesToAlreadyPresentRemotes(t *testing.T) {
	tr := newFakeTransport()
	tr.remotes[7] = RemoteInfo{UID: 7, HasVideo: true, VideoTrack: &fakeRemoteTrack{id: "v7", kind: TrackVideo}}
	tr.remotes[9] = RemoteInfo{UID: 9, HasAudio: true, AudioTrack: &fakeRemoteTrack{id: "a9", kind: TrackAudio}}
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	require.Eventually(t, func() bool {
		return len(tr.subscriptions()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []subscription{{7, TrackVideo}, {9, TrackAudio}}, tr.subscriptions())

	// Audio starts playing once its handle is seen.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.played) == 1 && tr.played[0] == 9
	}, time.Second, 5*time.Millisecond)
}

func TestVideoReadinessConvergence(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	// Publish notification arrives with no handle attached yet.
	tr.publishVideo(7, nil)

	got := func() (Participant, bool) {
		for _, p := range c.Participants() {
			if p.UID == 7 {
				return p, true
			}
		}
		return Participant{}, false
	}

	p, ok := got()
	require.True(t, ok)
	assert.True(t, p.HasVideo)
	assert.Nil(t, p.VideoTrack)

	// Handle shows up 100ms later, well inside the polling window; no second
	// publish event is fired.
	time.AfterFunc(100*time.Millisecond, func() {
		tr.attachVideoTrack(7, &fakeRemoteTrack{id: "v7-1", kind: TrackVideo})
	})

	require.Eventually(t, func() bool {
		p, ok := got()
		return ok && p.VideoTrack != nil
	}, 2*time.Second, 10*time.Millisecond)

	p, _ = got()
	assert.Equal(t, "v7-1", p.VideoTrack.ID())
}

func TestChangedTrackHandleReplacesEntry(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	tr.publishVideo(7, &fakeRemoteTrack{id: "v7-old", kind: TrackVideo})

	require.Eventually(t, func() bool {
		ps := c.Participants()
		return len(ps) == 1 && ps[0].VideoTrack != nil
	}, time.Second, 5*time.Millisecond)

	// Camera toggled: same participant, new track identity.
	tr.attachVideoTrack(7, &fakeRemoteTrack{id: "v7-new", kind: TrackVideo})

	require.Eventually(t, func() bool {
		ps := c.Participants()
		return len(ps) == 1 && ps[0].VideoTrack != nil && ps[0].VideoTrack.ID() == "v7-new"
	}, 2*time.Second, 10*time.Millisecond)

	// Replaced, not duplicated.
	assert.Len(t, c.Participants(), 1)
}

func TestUnpublishSemantics(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	tr.publishVideo(7, &fakeRemoteTrack{id: "v7", kind: TrackVideo})
	tr.publishAudio(7, &fakeRemoteTrack{id: "a7", kind: TrackAudio})

	require.Eventually(t, func() bool {
		ps := c.Participants()
		return len(ps) == 1 && ps[0].HasVideo && ps[0].HasAudio
	}, time.Second, 5*time.Millisecond)

	// Audio unpublish leaves the video state alone.
	c.OnParticipantUnpublished(7, TrackAudio)
	ps := c.Participants()
	require.Len(t, ps, 1)
	assert.True(t, ps[0].HasVideo)
	assert.False(t, ps[0].HasAudio)

	// Video unpublish removes the entry.
	c.OnParticipantUnpublished(7, TrackVideo)
	assert.Empty(t, c.Participants())
}

func TestAudioOnlyEntryRemovedWhenAudioUnpublished(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	tr.publishAudio(9, &fakeRemoteTrack{id: "a9", kind: TrackAudio})
	require.Eventually(t, func() bool { return len(c.Participants()) == 1 }, time.Second, 5*time.Millisecond)

	c.OnParticipantUnpublished(9, TrackAudio)
	assert.Empty(t, c.Participants())
}

func TestParticipantLeftRemovesUnconditionally(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	tr.publishVideo(7, &fakeRemoteTrack{id: "v7", kind: TrackVideo})
	require.Eventually(t, func() bool { return len(c.Participants()) == 1 }, time.Second, 5*time.Millisecond)

	c.OnParticipantLeft(7)
	assert.Empty(t, c.Participants())
}

func TestLeaveIdempotent(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))

	require.NoError(t, c.Leave())
	require.NoError(t, c.Leave()) // end-call followed by unmount

	assert.Equal(t, 1, tr.leaveCount())
	for _, tk := range tr.created {
		assert.Equal(t, 1, tk.closeCount())
	}
	assert.Equal(t, StateDisconnected, c.State())

	// Not resumable after leaving.
	assert.ErrorIs(t, c.Join(context.Background(), room), ErrSessionEnded)
}

func TestLeaveWithoutJoin(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	// Teardown may run even if the join never happened.
	require.NoError(t, c.Leave())
}

func TestPublishedEventAfterLeaveIgnored(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	require.NoError(t, c.Leave())

	tr.publishVideo(7, &fakeRemoteTrack{id: "v7", kind: TrackVideo})

	assert.Empty(t, tr.subscriptions())
	assert.Empty(t, c.Participants())
}

func TestToggleFlipsEnabledWithoutRepublish(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	enabled, err := c.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, c.LocalTrackEnabled(TrackAudio))

	enabled, err = c.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = c.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, c.LocalTrackEnabled(TrackVideo))

	// Still exactly one publish; toggling never re-publishes.
	tr.mu.Lock()
	assert.Len(t, tr.published, 1)
	tr.mu.Unlock()
}

func TestHangupWhileTransportJoinInFlight(t *testing.T) {
	tr := newFakeTransport()
	tr.joinGate = make(chan struct{})
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background(), room) }()

	require.Eventually(t, func() bool {
		return c.State() == StateJoining
	}, time.Second, time.Millisecond)

	// End-call lands while the transport join is still parked.
	require.NoError(t, c.Leave())
	close(tr.joinGate)

	assert.ErrorIs(t, <-done, ErrSessionEnded)
	assert.Equal(t, StateDisconnected, c.State())
	// The resumed join must not touch devices or publish, and it unwinds the
	// transport side it just established.
	tr.mu.Lock()
	assert.Zero(t, tr.trackCalls)
	assert.Empty(t, tr.published)
	tr.mu.Unlock()
	require.Eventually(t, func() bool { return tr.leaveCount() == 2 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Join(context.Background(), room), ErrSessionEnded)
}

func TestHangupWhileAcquiringDevicesReleasesTracks(t *testing.T) {
	tr := newFakeTransport()
	tr.trackGate = make(chan struct{})
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background(), room) }()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.trackCalls == 1
	}, time.Second, time.Millisecond)

	// Leave finds no tracks yet; the join resumption owns their release.
	require.NoError(t, c.Leave())
	close(tr.trackGate)

	assert.ErrorIs(t, <-done, ErrSessionEnded)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if len(tr.created) != 2 {
			return false
		}
		for _, tk := range tr.created {
			if tk.closeCount() != 1 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	tr.mu.Lock()
	assert.Empty(t, tr.published)
	tr.mu.Unlock()
	assert.Equal(t, 2, tr.leaveCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestFailedJoinCancelsSessionContext(t *testing.T) {
	tr := newFakeTransport()
	tr.joinErr = errors.New("rejected")
	c := NewController(&fakeTokens{}, tr, nil, fastOpts())

	require.Error(t, c.Join(context.Background(), room))

	c.mu.Lock()
	ctxErr := c.sessCtx.Err()
	c.mu.Unlock()
	assert.Error(t, ctxErr, "failed join must cancel its session context")

	// A fresh attempt still works; the controller was not torn down.
	tr.mu.Lock()
	tr.joinErr = nil
	tr.mu.Unlock()
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()
	assert.Equal(t, StateActive, c.State())
}

func TestMidCallDisconnectSurfacedNotRejoined(t *testing.T) {
	tr := newFakeTransport()
	ev := &captureEvents{}
	c := NewController(&fakeTokens{}, tr, ev, fastOpts())
	require.NoError(t, c.Join(context.Background(), room))
	defer c.Leave()

	c.OnConnectionStateChanged(ConnDisconnected)

	errs := ev.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTransportLost)
	// No automatic rejoin happened.
	require.Len(t, tr.joinedCreds, 1)
}
