// Package rtc implements the media transport over pion/webrtc. The control
// plane (join, SDP exchange, subscribe, leave) goes over HTTPS to the media
// gateway; media flows peer-to-SFU on the negotiated peer connection.
// Membership changes arrive on a server-opened "membership" data channel.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/media"
	"github.com/carebridge/callkit/internal/token"
)

var (
	ErrAlreadyJoined = errors.New("rtc: already joined")
	ErrNotJoined     = errors.New("rtc: not joined")
)

func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type remoteEntry struct {
	hasAudio bool
	hasVideo bool
	audio    *remoteTrack
	video    *remoteTrack
}

// Transport implements media.Transport for one session at a time.
type Transport struct {
	base   string
	bearer string
	hc     *http.Client

	selector *mediadevices.CodecSelector
	api      *webrtc.API

	mu      sync.Mutex
	handler media.EventHandler
	pc      *webrtc.PeerConnection
	room    domain.RoomName
	uid     uint32
	state   media.ConnState
	joined  bool
	remotes map[uint32]*remoteEntry
	playing map[uint32]bool
}

func New(baseURL, bearer string, timeout time.Duration) (*Transport, error) {
	selector, api, err := newEngine()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		base:     baseURL,
		bearer:   bearer,
		hc:       &http.Client{Timeout: timeout},
		selector: selector,
		api:      api,
		remotes:  make(map[uint32]*remoteEntry),
		playing:  make(map[uint32]bool),
	}, nil
}

func (t *Transport) SetHandler(h media.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

type joinRequest struct {
	AppID       string `json:"appId"`
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	Token       string `json:"token"`
}

type joinResponse struct {
	UID uint32 `json:"uid"`
}

// Join registers the session with the gateway and prepares the peer
// connection. Media negotiation is deferred to Publish: the gateway answers
// one offer that carries the local tracks and the receive directions at once.
func (t *Transport) Join(ctx context.Context, appID string, room domain.RoomName, cred token.Credential) (uint32, error) {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return 0, ErrAlreadyJoined
	}
	t.mu.Unlock()

	req := joinRequest{AppID: appID, ChannelName: string(room), UID: cred.UID, Token: cred.Token}
	var resp joinResponse
	if err := t.post(ctx, "/api/rtc/join", req, &resp); err != nil {
		return 0, err
	}
	uid := resp.UID
	if uid == 0 {
		uid = cred.UID
	}

	pc, err := t.api.NewPeerConnection(DefaultRTCConfig())
	if err != nil {
		return 0, err
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("room", string(room)).Str("peer_connection_state", s.String()).Msg("peer state")
		t.connStateChanged(mapConnState(s))
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.handleTrack(tr)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "membership" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.handleMembership(msg.Data)
		})
	})

	t.mu.Lock()
	t.pc = pc
	t.room = room
	t.uid = uid
	t.joined = true
	t.state = media.ConnConnecting
	t.mu.Unlock()

	log.Info().Str("module", "adapters.rtc").Str("room", string(room)).Uint32("uid", uid).Msg("joined")
	return uid, nil
}

func (t *Transport) CreateLocalTracks(ctx context.Context) ([]media.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return captureTracks(t.selector)
}

type offerRequest struct {
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	SDP         string `json:"sdp"`
}

type offerResponse struct {
	SDP string `json:"sdp"`
}

// Publish attaches the local tracks and runs the single offer/answer exchange
// with the gateway. ICE gathering completes before the offer is sent; the
// gateway does not trickle.
func (t *Transport) Publish(ctx context.Context, tracks []media.LocalTrack) error {
	t.mu.Lock()
	pc := t.pc
	room := t.room
	uid := t.uid
	t.mu.Unlock()
	if pc == nil {
		return ErrNotJoined
	}

	for _, lt := range tracks {
		own, ok := lt.(*localTrack)
		if !ok {
			return fmt.Errorf("rtc: foreign local track %T", lt)
		}
		sender, err := pc.AddTrack(own.md)
		if err != nil {
			return err
		}
		own.bind(sender)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	var resp offerResponse
	req := offerRequest{ChannelName: string(room), UID: uid, SDP: pc.LocalDescription().SDP}
	if err := t.post(ctx, "/api/rtc/offer", req, &resp); err != nil {
		return err
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  resp.SDP,
	})
}

type subscribeRequest struct {
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	Target      uint32 `json:"target"`
	Kind        string `json:"kind"`
}

// Subscribe asks the gateway to start forwarding one category of one
// participant. The track handle arrives asynchronously via OnTrack.
func (t *Transport) Subscribe(ctx context.Context, uid uint32, kind media.TrackKind) error {
	t.mu.Lock()
	room := t.room
	self := t.uid
	joined := t.joined
	t.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	req := subscribeRequest{ChannelName: string(room), UID: self, Target: uid, Kind: string(kind)}
	return t.post(ctx, "/api/rtc/subscribe", req, nil)
}

// PlayAudio starts draining the subscribed audio track. Rendering is owned by
// the view layer; here playback means keeping the receive pipeline flowing.
func (t *Transport) PlayAudio(uid uint32) error {
	t.mu.Lock()
	e := t.remotes[uid]
	if e == nil || e.audio == nil {
		t.mu.Unlock()
		return fmt.Errorf("rtc: no audio track for uid %d", uid)
	}
	if t.playing[uid] {
		t.mu.Unlock()
		return nil
	}
	t.playing[uid] = true
	tr := e.audio
	t.mu.Unlock()

	go t.drain(uid, tr)
	return nil
}

func (t *Transport) RemoteParticipant(uid uint32) (media.RemoteInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.remotes[uid]
	if !ok {
		return media.RemoteInfo{}, false
	}
	return e.info(uid), true
}

func (t *Transport) RemoteParticipants() []media.RemoteInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]media.RemoteInfo, 0, len(t.remotes))
	for uid, e := range t.remotes {
		out = append(out, e.info(uid))
	}
	return out
}

func (t *Transport) ConnectionState() media.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type leaveRequest struct {
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
}

// Leave tears the session down. The gateway notification is best-effort; the
// peer connection close is what actually stops media.
func (t *Transport) Leave() error {
	t.mu.Lock()
	if !t.joined && t.pc == nil {
		t.mu.Unlock()
		return nil
	}
	pc := t.pc
	room := t.room
	uid := t.uid
	t.pc = nil
	t.joined = false
	t.state = media.ConnDisconnected
	t.remotes = make(map[uint32]*remoteEntry)
	t.playing = make(map[uint32]bool)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.post(ctx, "/api/rtc/leave", leaveRequest{ChannelName: string(room), UID: uid}, nil); err != nil {
		log.Warn().Str("module", "adapters.rtc").Str("room", string(room)).Err(err).Msg("leave notify failed")
	}

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Str("module", "adapters.rtc").Str("room", string(room)).Err(err).Msg("close error")
			return err
		}
	}
	log.Info().Str("module", "adapters.rtc").Str("room", string(room)).Msg("left")
	return nil
}

// --- inbound ---

func (e *remoteEntry) info(uid uint32) media.RemoteInfo {
	ri := media.RemoteInfo{UID: uid, HasAudio: e.hasAudio, HasVideo: e.hasVideo}
	// Typed nil pointers must not leak into the interface fields.
	if e.audio != nil {
		ri.AudioTrack = e.audio
	}
	if e.video != nil {
		ri.VideoTrack = e.video
	}
	return ri
}

// handleTrack attaches a forwarded track handle. The publisher uid rides in
// the stream id; the published/unpublished bookkeeping was already done by
// the membership channel, this only fills in the handle.
func (t *Transport) handleTrack(tr *webrtc.TrackRemote) {
	uid64, err := strconv.ParseUint(tr.StreamID(), 10, 32)
	if err != nil {
		log.Warn().Str("module", "adapters.rtc").
			Str("stream_id", tr.StreamID()).Str("track_id", tr.ID()).
			Msg("track with non-numeric stream id ignored")
		return
	}
	uid := uint32(uid64)
	rt := newRemoteTrack(tr)

	log.Info().Str("module", "adapters.rtc").
		Uint32("uid", uid).Str("kind", string(rt.Kind())).Str("track_id", tr.ID()).
		Msg("remote track attached")

	t.mu.Lock()
	e := t.remotes[uid]
	if e == nil {
		e = &remoteEntry{}
		t.remotes[uid] = e
	}
	switch rt.Kind() {
	case media.TrackVideo:
		e.video = rt
		e.hasVideo = true
	case media.TrackAudio:
		e.audio = rt
		e.hasAudio = true
	}
	t.mu.Unlock()

	// Video is drained immediately to keep RTCP feedback flowing; audio waits
	// for PlayAudio.
	if rt.Kind() == media.TrackVideo {
		go t.drain(uid, rt)
	}
}

// drain reads the track until it ends, then clears the stale handle. The
// membership channel owns the unpublish notification itself.
func (t *Transport) drain(uid uint32, rt *remoteTrack) {
	for {
		if _, _, err := rt.tr.ReadRTP(); err != nil {
			break
		}
	}
	t.mu.Lock()
	if e := t.remotes[uid]; e != nil {
		switch rt.Kind() {
		case media.TrackVideo:
			if e.video == rt {
				e.video = nil
			}
		case media.TrackAudio:
			if e.audio == rt {
				e.audio = nil
			}
			delete(t.playing, uid)
		}
	}
	t.mu.Unlock()
}

type membershipEvent struct {
	Event string `json:"event"`
	UID   uint32 `json:"uid"`
	Kind  string `json:"kind,omitempty"`
}

func (t *Transport) handleMembership(data []byte) {
	var ev membershipEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Str("module", "adapters.rtc").Err(err).Msg("bad membership event")
		return
	}

	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	h := t.handler
	kind := media.TrackKind(ev.Kind)
	switch ev.Event {
	case "published":
		e := t.remotes[ev.UID]
		if e == nil {
			e = &remoteEntry{}
			t.remotes[ev.UID] = e
		}
		if kind == media.TrackVideo {
			e.hasVideo = true
		} else {
			e.hasAudio = true
		}
	case "unpublished":
		if e := t.remotes[ev.UID]; e != nil {
			if kind == media.TrackVideo {
				e.hasVideo = false
				e.video = nil
			} else {
				e.hasAudio = false
				e.audio = nil
				delete(t.playing, ev.UID)
			}
			if !e.hasVideo && !e.hasAudio {
				delete(t.remotes, ev.UID)
			}
		}
	case "left":
		delete(t.remotes, ev.UID)
		delete(t.playing, ev.UID)
	default:
		t.mu.Unlock()
		log.Warn().Str("module", "adapters.rtc").Str("event", ev.Event).Msg("unknown membership event")
		return
	}
	t.mu.Unlock()

	if h == nil {
		return
	}
	switch ev.Event {
	case "published":
		h.OnParticipantPublished(ev.UID, kind)
	case "unpublished":
		h.OnParticipantUnpublished(ev.UID, kind)
	case "left":
		h.OnParticipantLeft(ev.UID)
	}
}

func mapConnState(s webrtc.PeerConnectionState) media.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return media.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.ConnConnected
	case webrtc.PeerConnectionStateFailed:
		return media.ConnFailed
	default:
		return media.ConnDisconnected
	}
}

func (t *Transport) connStateChanged(st media.ConnState) {
	t.mu.Lock()
	if !t.joined || t.state == st {
		t.mu.Unlock()
		return
	}
	t.state = st
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.OnConnectionStateChanged(st)
	}
}

// --- control plane ---

func (t *Transport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	resp, err := t.hc.Do(req)
	if err != nil {
		return fmt.Errorf("rtc: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rtc: %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
