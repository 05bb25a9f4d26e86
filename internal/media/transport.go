package media

import (
	"context"

	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/token"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// LocalTrack is one captured device track owned by the session that created
// it. Close must be safe to call once per track on every exit path.
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool) error
	Enabled() bool
	Close() error
}

// RemoteTrack is a handle to another participant's published media.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// RemoteInfo is the transport's current view of one remote session member.
// Track handles may lag behind the published flags.
type RemoteInfo struct {
	UID        uint32
	HasAudio   bool
	HasVideo   bool
	AudioTrack RemoteTrack
	VideoTrack RemoteTrack
}

// EventHandler receives inbound transport events. It must be registered
// before join so no early event is lost. Events may arrive in any order
// relative to the local join completing.
type EventHandler interface {
	OnParticipantPublished(uid uint32, kind TrackKind)
	OnParticipantUnpublished(uid uint32, kind TrackKind)
	OnParticipantLeft(uid uint32)
	OnConnectionStateChanged(state ConnState)
}

// Transport is the media-session protocol as the controller sees it. The wire
// details live in the adapter behind this interface.
type Transport interface {
	SetHandler(h EventHandler)

	// Join must be called with the same uid the credential was minted for.
	// Returns the session identity actually assigned.
	Join(ctx context.Context, appID string, room domain.RoomName, cred token.Credential) (uint32, error)

	// CreateLocalTracks acquires microphone and camera. On failure it returns
	// whatever was partially acquired alongside the error so the caller can
	// release it.
	CreateLocalTracks(ctx context.Context) ([]LocalTrack, error)

	Publish(ctx context.Context, tracks []LocalTrack) error
	Subscribe(ctx context.Context, uid uint32, kind TrackKind) error

	// PlayAudio starts rendering a subscribed remote audio track.
	PlayAudio(uid uint32) error

	RemoteParticipant(uid uint32) (RemoteInfo, bool)
	RemoteParticipants() []RemoteInfo
	ConnectionState() ConnState

	Leave() error
}

// TokenSource mints media credentials. Satisfied by token.Client.
type TokenSource interface {
	Fetch(ctx context.Context, room domain.RoomName, uid *uint32) (token.Credential, error)
}
