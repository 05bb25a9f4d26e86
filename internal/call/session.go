// Package call coordinates call establishment: it owns the signaling client
// for the authenticated session, the single pending invite, and the caller's
// waiting-for-answer state. Media and signaling are not transactionally
// linked; either side may fail independently.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/domain"
)

var (
	ErrNoInvite   = errors.New("call: no pending invite")
	ErrClosed     = errors.New("call: session closed")
	ErrUnanswered = errors.New("call: no answer")
)

// Signaler is the outbound half of the signaling channel the session drives.
type Signaler interface {
	InitiateCall(target domain.UserID, room domain.RoomName, callerName string, dir domain.Direction) error
	AcceptCall(room domain.RoomName, caller domain.UserID) error
	RejectCall(caller domain.UserID) error
	Close()
}

// Navigator moves the local user into a room view. Both the accepting side
// and the dialing side converge on the room through it.
type Navigator interface {
	GoToRoom(room domain.RoomName, peerName string)
}

// Events surfaces session-level call state to the UI layer.
type Events interface {
	OnRinging(domain.Invite)
	OnCallRejected()
	OnCallUnanswered(domain.RoomName)
}

// NopEvents is a do-nothing Events for callers that only poll.
type NopEvents struct{}

func (NopEvents) OnRinging(domain.Invite)          {}
func (NopEvents) OnCallRejected()                  {}
func (NopEvents) OnCallUnanswered(domain.RoomName) {}

// Session is created on login and closed on logout. It implements
// signal.Handler for inbound events.
type Session struct {
	self        domain.User
	nav         Navigator
	events      Events
	inbox       *Inbox
	ringTimeout time.Duration

	mu        sync.Mutex
	sig       Signaler
	closed    bool
	waiting   bool
	waitRoom  domain.RoomName
	waitPeer  string
	ringTimer *time.Timer
}

// NewSession builds a session for the authenticated user. The signaling
// client is attached afterwards with Bind, since the client itself needs the
// session as its inbound handler. ringTimeout of 0 disables the bounded wait.
func NewSession(self domain.User, nav Navigator, events Events, ringTimeout time.Duration) *Session {
	if events == nil {
		events = NopEvents{}
	}
	return &Session{
		self:        self,
		nav:         nav,
		events:      events,
		inbox:       NewInbox(),
		ringTimeout: ringTimeout,
	}
}

// Bind attaches the connected signaling client.
func (s *Session) Bind(sig Signaler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = sig
}

func (s *Session) Self() domain.User { return s.self }

// Incoming returns the pending invite, if any.
func (s *Session) Incoming() (domain.Invite, bool) {
	return s.inbox.Peek()
}

// Waiting reports whether the session is waiting for an answer to its own
// invite, and for which room.
func (s *Session) Waiting() (domain.RoomName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitRoom, s.waiting
}

// Dial computes the consultation room for the pair, emits the invite
// (fire-and-forget) and navigates the local side into the room without
// waiting for any acknowledgement. Returns the room so the view layer can
// render it.
func (s *Session) Dial(target domain.UserID, targetName string, dir domain.Direction) (domain.RoomName, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return "", ErrClosed
	}

	var room domain.RoomName
	switch dir {
	case domain.PatientToDoctor:
		room = domain.ConsultationRoom(s.self.ID, target)
	case domain.DoctorToPatient:
		room = domain.ConsultationRoom(target, s.self.ID)
	default:
		return "", domain.ErrInviteBadDirection
	}

	if err := sig.InitiateCall(target, room, s.self.Name, dir); err != nil {
		// Accepted limitation: no delivery confirmation exists. The invite
		// may be lost; the ring timer below is the only recourse.
		log.Warn().Str("module", "call.session").Str("room", string(room)).Err(err).Msg("invite emit failed")
	}

	s.startWaiting(room, targetName)

	log.Info().Str("module", "call.session").
		Str("room", string(room)).Str("target", string(target)).Str("dir", string(dir)).
		Msg("call initiated")

	s.nav.GoToRoom(room, targetName)
	return room, nil
}

// OnIncoming stores the invite as the single pending one. A second invite
// while ringing replaces the first; the displaced caller gets no busy signal
// (preserved current behavior, flagged in DESIGN.md).
func (s *Session) OnIncoming(inv domain.Invite) {
	if displaced := s.inbox.Set(inv); displaced != nil {
		log.Info().Str("module", "call.session").
			Str("displaced_from", string(displaced.From)).Str("new_from", string(inv.From)).
			Msg("pending invite replaced")
	}
	log.Info().Str("module", "call.session").
		Str("from", string(inv.From)).Str("room", string(inv.Room)).
		Msg("incoming call")
	s.events.OnRinging(inv)
}

// OnAccepted clears the waiting state and moves the caller into the room the
// recipient accepted.
func (s *Session) OnAccepted(room domain.RoomName) {
	s.mu.Lock()
	if !s.waiting {
		s.mu.Unlock()
		log.Debug().Str("module", "call.session").Str("room", string(room)).Msg("accept with no pending dial")
		return
	}
	peer := s.waitPeer
	s.stopWaitingLocked()
	s.mu.Unlock()

	log.Info().Str("module", "call.session").Str("room", string(room)).Msg("call accepted")
	s.nav.GoToRoom(room, peer)
}

// OnRejected clears the waiting state; no media session is started.
func (s *Session) OnRejected() {
	s.mu.Lock()
	wasWaiting := s.waiting
	s.stopWaitingLocked()
	s.mu.Unlock()

	if wasWaiting {
		log.Info().Str("module", "call.session").Msg("call rejected by peer")
		s.events.OnCallRejected()
	}
}

// Accept emits the accept event toward the caller, clears the pending invite
// and navigates into the room carried by the invite.
func (s *Session) Accept() (domain.Invite, error) {
	// The signaler check comes first: consuming the invite and then failing
	// would destroy it with nothing sent.
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return domain.Invite{}, ErrClosed
	}
	inv, ok := s.inbox.Take()
	if !ok {
		return domain.Invite{}, ErrNoInvite
	}
	if err := sig.AcceptCall(inv.Room, inv.From); err != nil {
		log.Warn().Str("module", "call.session").Err(err).Msg("accept emit failed")
	}
	log.Info().Str("module", "call.session").Str("room", string(inv.Room)).Msg("call accepted locally")
	s.nav.GoToRoom(inv.Room, inv.FromName)
	return inv, nil
}

// Reject emits the reject event toward the caller and clears the invite.
func (s *Session) Reject() error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return ErrClosed
	}
	inv, ok := s.inbox.Take()
	if !ok {
		return ErrNoInvite
	}
	if err := sig.RejectCall(inv.From); err != nil {
		log.Warn().Str("module", "call.session").Err(err).Msg("reject emit failed")
	}
	log.Info().Str("module", "call.session").Str("from", string(inv.From)).Msg("call rejected locally")
	return nil
}

// Dismiss drops the pending invite without telling anyone.
func (s *Session) Dismiss() {
	s.inbox.Clear()
}

// Close ends the session: logout path. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopWaitingLocked()
	sig := s.sig
	s.sig = nil
	s.mu.Unlock()

	s.inbox.Clear()
	if sig != nil {
		sig.Close()
	}
	log.Info().Str("module", "call.session").Str("user", string(s.self.ID)).Msg("session closed")
}

func (s *Session) startWaiting(room domain.RoomName, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWaitingLocked()
	s.waiting = true
	s.waitRoom = room
	s.waitPeer = peer
	if s.ringTimeout > 0 {
		s.ringTimer = time.AfterFunc(s.ringTimeout, func() { s.ringExpired(room) })
	}
}

func (s *Session) stopWaitingLocked() {
	s.waiting = false
	s.waitRoom = ""
	s.waitPeer = ""
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) ringExpired(room domain.RoomName) {
	s.mu.Lock()
	// The timer may race a just-arrived answer; only expire the wait it armed.
	if !s.waiting || s.waitRoom != room {
		s.mu.Unlock()
		return
	}
	s.stopWaitingLocked()
	s.mu.Unlock()

	log.Info().Str("module", "call.session").Str("room", string(room)).Msg("call unanswered")
	s.events.OnCallUnanswered(room)
}
