package rtc

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/carebridge/callkit/internal/media"
)

// localTrack pairs a captured mediadevices track with the sender it was
// published on. Disabling detaches the track from the sender instead of
// stopping the device, so re-enabling needs no re-acquisition.
type localTrack struct {
	kind media.TrackKind
	md   mediadevices.Track

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
	closed  bool
}

func newLocalTrack(md mediadevices.Track) *localTrack {
	kind := media.TrackAudio
	if md.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.TrackVideo
	}
	return &localTrack{kind: kind, md: md, enabled: true}
}

func (t *localTrack) Kind() media.TrackKind { return t.kind }

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.enabled == enabled {
		t.enabled = enabled
		return nil
	}
	if t.sender != nil {
		var next webrtc.TrackLocal
		if enabled {
			next = t.md
		}
		if err := t.sender.ReplaceTrack(next); err != nil {
			return err
		}
	}
	t.enabled = enabled
	return nil
}

func (t *localTrack) bind(sender *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
}

// Close releases the capture device. Safe to call more than once.
func (t *localTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.md.Close()
}

// remoteTrack is a read-only handle around a forwarded track.
type remoteTrack struct {
	kind media.TrackKind
	tr   *webrtc.TrackRemote
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	kind := media.TrackAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.TrackVideo
	}
	return &remoteTrack{kind: kind, tr: tr}
}

func (t *remoteTrack) ID() string            { return t.tr.ID() }
func (t *remoteTrack) Kind() media.TrackKind { return t.kind }
