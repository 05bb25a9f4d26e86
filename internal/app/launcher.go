// Package app wires call navigation to media sessions: entering a room spins
// up a media controller, leaving tears it down. At most one media session is
// live per process.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/call"
	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/media"
)

// TransportFactory builds a fresh transport per room entry. Controllers and
// their transports are single-use; re-entering a room gets new ones.
type TransportFactory func() (media.Transport, error)

// Launcher implements call.Navigator. GoToRoom replaces the current media
// session with a new one for the target room.
type Launcher struct {
	tokens  media.TokenSource
	factory TransportFactory
	events  media.Events
	opts    media.Options

	mu       sync.Mutex
	ctrl     *media.Controller
	room     domain.RoomName
	peerName string
}

func NewLauncher(tokens media.TokenSource, factory TransportFactory, events media.Events, opts media.Options) *Launcher {
	if events == nil {
		events = media.NopEvents{}
	}
	return &Launcher{
		tokens:  tokens,
		factory: factory,
		events:  events,
		opts:    opts,
	}
}

// GoToRoom satisfies call.Navigator. The join runs in the background; its
// outcome surfaces through the media events, not through this call.
func (l *Launcher) GoToRoom(room domain.RoomName, peerName string) {
	l.LeaveCurrent()

	tr, err := l.factory()
	if err != nil {
		log.Error().Str("module", "app.launcher").Str("room", string(room)).Err(err).Msg("transport init failed")
		l.events.OnSessionError(err)
		return
	}
	ctrl := media.NewController(l.tokens, tr, l.events, l.opts)

	l.mu.Lock()
	l.ctrl = ctrl
	l.room = room
	l.peerName = peerName
	l.mu.Unlock()

	log.Info().Str("module", "app.launcher").Str("room", string(room)).Str("peer", peerName).Msg("entering room")
	go func() {
		if err := ctrl.Join(context.Background(), room); err != nil {
			log.Error().Str("module", "app.launcher").Str("room", string(room)).Err(err).Msg("join failed")
			l.events.OnSessionError(err)
		}
	}()
}

// Current returns the live media controller and the room it serves.
func (l *Launcher) Current() (*media.Controller, domain.RoomName, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctrl, l.room, l.ctrl != nil
}

// PeerName is the display name carried from the invite or dial into the room
// view.
func (l *Launcher) PeerName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerName
}

// LeaveCurrent ends the live media session, if any. Safe to call with none.
func (l *Launcher) LeaveCurrent() {
	l.mu.Lock()
	ctrl := l.ctrl
	room := l.room
	l.ctrl = nil
	l.room = ""
	l.peerName = ""
	l.mu.Unlock()

	if ctrl == nil {
		return
	}
	if err := ctrl.Leave(); err != nil {
		log.Warn().Str("module", "app.launcher").Str("room", string(room)).Err(err).Msg("leave error")
	}
}

var _ call.Navigator = (*Launcher)(nil)
