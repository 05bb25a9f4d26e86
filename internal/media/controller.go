// Package media owns the media-session lifecycle: token fetch with bounded
// retry, transport join, local capture and publish, remote-track readiness
// and teardown. One Controller exists per room view; every exit path (end
// call, navigation, teardown) converges on the same idempotent Leave.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/token"
)

type State int

const (
	StateDisconnected State = iota
	StateTokenPending
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateTokenPending:
		return "token-pending"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return "disconnected"
	}
}

var (
	ErrSessionEnded = errors.New("media: session already ended")
	ErrJoinInFlight = errors.New("media: join already in progress")
)

// Events is the controller's view of the rendering layer.
type Events interface {
	OnStateChanged(State)
	OnParticipants([]Participant)
	OnSessionError(err error)
}

type NopEvents struct{}

func (NopEvents) OnStateChanged(State)         {}
func (NopEvents) OnParticipants([]Participant) {}
func (NopEvents) OnSessionError(error)         {}

// defaultReadyChecks are the checkpoints, relative to the publish
// notification, at which the remote video handle is re-checked. The last one
// is the cutoff.
var defaultReadyChecks = []time.Duration{
	0,
	100 * time.Millisecond,
	300 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

type Options struct {
	// AppID is the media application credential. Required; its absence is a
	// fatal configuration error.
	AppID string

	TokenRetries    int           // default 3
	TokenRetryDelay time.Duration // default 1s
	ReadyChecks     []time.Duration
}

func (o Options) withDefaults() Options {
	if o.TokenRetries <= 0 {
		o.TokenRetries = 3
	}
	if o.TokenRetryDelay <= 0 {
		o.TokenRetryDelay = time.Second
	}
	if len(o.ReadyChecks) == 0 {
		o.ReadyChecks = defaultReadyChecks
	}
	return o
}

type Controller struct {
	opts   Options
	tokens TokenSource
	tr     Transport
	events Events
	parts  *participantSet

	mu         sync.Mutex
	state      State
	room       domain.RoomName
	uid        uint32
	local      []LocalTrack
	left       bool
	sessCtx    context.Context
	sessCancel context.CancelFunc
}

// NewController wires the transport's event handler immediately, before any
// join, so early participant events cannot be lost.
func NewController(tokens TokenSource, tr Transport, events Events, opts Options) *Controller {
	if events == nil {
		events = NopEvents{}
	}
	c := &Controller{
		opts:   opts.withDefaults(),
		tokens: tokens,
		tr:     tr,
		events: events,
		parts:  newParticipantSet(),
	}
	tr.SetHandler(c)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Room() domain.RoomName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// UID is the transport-assigned local session identity; valid once Active.
func (c *Controller) UID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

func (c *Controller) Participants() []Participant {
	return c.parts.snapshot()
}

// Join runs the full join procedure for room. Token fetch is retried with a
// fresh credential per attempt; transport join and device acquisition are
// not — those failures surface immediately with a retry affordance left to
// the user.
func (c *Controller) Join(ctx context.Context, room domain.RoomName) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrJoinInFlight
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	c.sessCtx = sessCtx
	c.sessCancel = cancel
	c.room = room
	c.mu.Unlock()

	if c.opts.AppID == "" {
		cancel()
		return ErrNoAppID
	}

	c.setState(StateTokenPending)
	cred, err := c.fetchWithRetry(ctx, room)
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return &JoinError{Cause: CauseTokenFetch, err: err}
	}
	// Leave may have run during any of the awaits below; each resumption
	// re-checks before touching state, and unwinds whatever the await
	// acquired. Otherwise a hangup racing the connect would leak both device
	// tracks with no further Leave able to reach them.
	if c.tornDown() {
		return ErrSessionEnded
	}

	c.setState(StateJoining)
	uid, err := c.tr.Join(ctx, c.opts.AppID, room, cred)
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return &JoinError{Cause: CauseTransportJoin, err: err}
	}
	if c.tornDown() {
		_ = c.tr.Leave()
		return ErrSessionEnded
	}
	log.Info().Str("module", "media.controller").Str("room", string(room)).Uint32("uid", uid).Msg("joined room")

	tracks, err := c.tr.CreateLocalTracks(ctx)
	if err != nil {
		// Partially acquired tracks must still be released before failing.
		closeTracks(tracks)
		_ = c.tr.Leave()
		cancel()
		c.setState(StateDisconnected)
		return &JoinError{Cause: CauseDevice, err: err}
	}
	if c.tornDown() {
		closeTracks(tracks)
		_ = c.tr.Leave()
		return ErrSessionEnded
	}

	// The transport must still be connected (or connecting) before publish;
	// publishing against a dropped session is an ordering bug.
	if st := c.tr.ConnectionState(); st != ConnConnected && st != ConnConnecting {
		closeTracks(tracks)
		_ = c.tr.Leave()
		cancel()
		c.setState(StateDisconnected)
		return &JoinError{Cause: CauseTransportJoin, err: fmt.Errorf("cannot publish in connection state %s", st)}
	}

	if err := c.tr.Publish(ctx, tracks); err != nil {
		closeTracks(tracks)
		_ = c.tr.Leave()
		cancel()
		c.setState(StateDisconnected)
		return &JoinError{Cause: CauseTransportJoin, err: err}
	}

	// Store and activate under one lock so a concurrent Leave either sees the
	// tracks (and releases them itself) or is seen here (and the join unwinds).
	c.mu.Lock()
	if c.left || sessCtx.Err() != nil {
		c.mu.Unlock()
		closeTracks(tracks)
		_ = c.tr.Leave()
		return ErrSessionEnded
	}
	c.uid = uid
	c.local = tracks
	prev := c.state
	c.state = StateActive
	c.mu.Unlock()
	if prev != StateActive {
		log.Debug().Str("module", "media.controller").Str("from", prev.String()).Str("to", StateActive.String()).Msg("state")
		c.events.OnStateChanged(StateActive)
	}

	// Subscribe to whatever is already published in the room.
	for _, ri := range c.tr.RemoteParticipants() {
		if ri.HasVideo {
			c.subscribeVideo(ri.UID)
		}
		if ri.HasAudio {
			c.subscribeAudio(ri.UID)
		}
	}
	return nil
}

// fetchWithRetry requests a fresh credential on every attempt. Nothing is
// cached across attempts.
func (c *Controller) fetchWithRetry(ctx context.Context, room domain.RoomName) (cred token.Credential, err error) {
	for attempt := 1; ; attempt++ {
		cred, err = c.tokens.Fetch(ctx, room, nil)
		if err == nil {
			return cred, nil
		}
		log.Warn().Str("module", "media.controller").
			Str("room", string(room)).Int("attempt", attempt).Int("max", c.opts.TokenRetries).
			Err(err).Msg("token fetch failed")
		if attempt >= c.opts.TokenRetries {
			return cred, err
		}
		select {
		case <-ctx.Done():
			return cred, ctx.Err()
		case <-time.After(c.opts.TokenRetryDelay):
		}
	}
}

// ToggleAudio flips the local audio track's enabled flag without
// re-publishing. Returns the new enabled state.
func (c *Controller) ToggleAudio() (bool, error) {
	return c.toggle(TrackAudio)
}

// ToggleVideo flips the local video track's enabled flag.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(TrackVideo)
}

func (c *Controller) toggle(kind TrackKind) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.local {
		if t == nil || t.Kind() != kind {
			continue
		}
		next := !t.Enabled()
		if err := t.SetEnabled(next); err != nil {
			return t.Enabled(), err
		}
		return next, nil
	}
	return false, fmt.Errorf("media: no local %s track", kind)
}

// LocalTrackEnabled reports the enabled flag for the local track of kind.
func (c *Controller) LocalTrackEnabled(kind TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.local {
		if t != nil && t.Kind() == kind {
			return t.Enabled()
		}
	}
	return false
}

// Leave stops and releases both local tracks, cancels readiness pollers and
// leaves the transport session. Idempotent: end-call, navigation away and
// view teardown all funnel through here, and each resource is released at
// most once.
func (c *Controller) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	tracks := c.local
	c.local = nil
	cancel := c.sessCancel
	c.mu.Unlock()

	c.setState(StateLeaving)
	if cancel != nil {
		cancel()
	}
	closeTracks(tracks)
	err := c.tr.Leave()
	c.parts.clear()
	c.setState(StateDisconnected)
	log.Info().Str("module", "media.controller").Str("room", string(c.Room())).Msg("left room")
	return err
}

func closeTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Warn().Str("module", "media.controller").Str("kind", string(t.Kind())).Err(err).Msg("track close")
		}
	}
}

// --- transport events ---

// OnParticipantPublished subscribes to the category and, for video, starts
// the bounded readiness watch: the track handle may not be attached at the
// instant of the notification.
func (c *Controller) OnParticipantPublished(uid uint32, kind TrackKind) {
	if !c.inSession() {
		log.Debug().Str("module", "media.controller").Uint32("uid", uid).Msg("publish event outside session, ignored")
		return
	}
	log.Info().Str("module", "media.controller").Uint32("uid", uid).Str("kind", string(kind)).Msg("participant published")
	switch kind {
	case TrackVideo:
		c.subscribeVideo(uid)
	case TrackAudio:
		c.subscribeAudio(uid)
	}
}

// OnParticipantUnpublished removes the video entry outright for video; an
// audio-only unpublish leaves the video state alone.
func (c *Controller) OnParticipantUnpublished(uid uint32, kind TrackKind) {
	var changed bool
	switch kind {
	case TrackVideo:
		changed = c.parts.dropVideo(uid)
	case TrackAudio:
		changed = c.parts.dropAudio(uid)
	}
	if changed {
		log.Info().Str("module", "media.controller").Uint32("uid", uid).Str("kind", string(kind)).Msg("participant unpublished")
		c.emitParticipants()
	}
}

func (c *Controller) OnParticipantLeft(uid uint32) {
	if c.parts.remove(uid) {
		log.Info().Str("module", "media.controller").Uint32("uid", uid).Msg("participant left")
		c.emitParticipants()
	}
}

func (c *Controller) OnConnectionStateChanged(st ConnState) {
	log.Info().Str("module", "media.controller").Str("conn", st.String()).Msg("connection state changed")
	if (st == ConnDisconnected || st == ConnFailed) && c.State() == StateActive {
		// Surfaced, not auto-rejoined.
		c.events.OnSessionError(ErrTransportLost)
	}
}

// --- internals ---

func (c *Controller) subscribeVideo(uid uint32) {
	ctx := c.sessionContext()
	if ctx == nil {
		return
	}
	if err := c.tr.Subscribe(ctx, uid, TrackVideo); err != nil {
		log.Warn().Str("module", "media.controller").Uint32("uid", uid).Err(err).Msg("video subscribe failed")
		return
	}
	if c.parts.setVideo(uid, nil) {
		c.emitParticipants()
	}
	go c.watchVideoTrack(ctx, uid)
}

func (c *Controller) subscribeAudio(uid uint32) {
	ctx := c.sessionContext()
	if ctx == nil {
		return
	}
	if err := c.tr.Subscribe(ctx, uid, TrackAudio); err != nil {
		log.Warn().Str("module", "media.controller").Uint32("uid", uid).Err(err).Msg("audio subscribe failed")
		return
	}
	go c.watchAudioTrack(ctx, uid)
}

// watchVideoTrack re-checks the remote video handle at the configured
// checkpoints and keeps the participant entry current. It runs the full
// window even after a handle arrives: a handle that changes identity (camera
// toggled) must replace the old one. Canceled wholesale on Leave.
func (c *Controller) watchVideoTrack(ctx context.Context, uid uint32) {
	start := time.Now()
	for _, at := range c.opts.ReadyChecks {
		if d := at - time.Since(start); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		if ctx.Err() != nil || !c.inSession() {
			return
		}
		// Entry gone means the participant unpublished or left mid-watch.
		if _, ok := c.parts.get(uid); !ok {
			return
		}
		info, ok := c.tr.RemoteParticipant(uid)
		if !ok {
			return
		}
		if info.VideoTrack != nil && c.parts.setVideo(uid, info.VideoTrack) {
			log.Debug().Str("module", "media.controller").
				Uint32("uid", uid).Str("track", info.VideoTrack.ID()).Dur("after", time.Since(start)).
				Msg("remote video track ready")
			c.emitParticipants()
		}
	}
}

// watchAudioTrack waits for the audio handle and starts playback as soon as
// it shows up. Audio has no visual readiness requirement, so the watch stops
// once playing.
func (c *Controller) watchAudioTrack(ctx context.Context, uid uint32) {
	start := time.Now()
	for _, at := range c.opts.ReadyChecks {
		if d := at - time.Since(start); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		if ctx.Err() != nil || !c.inSession() {
			return
		}
		info, ok := c.tr.RemoteParticipant(uid)
		if !ok {
			return
		}
		if info.AudioTrack != nil {
			if c.parts.setAudio(uid, info.AudioTrack) {
				c.emitParticipants()
			}
			if err := c.tr.PlayAudio(uid); err != nil {
				log.Warn().Str("module", "media.controller").Uint32("uid", uid).Err(err).Msg("audio playback failed")
			}
			return
		}
	}
}

func (c *Controller) sessionContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessCtx == nil || c.sessCtx.Err() != nil {
		return nil
	}
	return c.sessCtx
}

// tornDown reports whether Leave ran while a join await was outstanding.
func (c *Controller) tornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left || c.sessCtx == nil || c.sessCtx.Err() != nil
}

// inSession guards async callbacks against mutating a torn-down session.
func (c *Controller) inSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left || c.sessCtx == nil || c.sessCtx.Err() != nil {
		return false
	}
	return c.state == StateJoining || c.state == StateActive
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debug().Str("module", "media.controller").Str("from", prev.String()).Str("to", s.String()).Msg("state")
		c.events.OnStateChanged(s)
	}
}

func (c *Controller) emitParticipants() {
	c.events.OnParticipants(c.parts.snapshot())
}
