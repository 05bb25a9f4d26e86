package call

import (
	"sync"

	"github.com/carebridge/callkit/internal/domain"
)

// Inbox holds at most one pending incoming-call invite. A new invite
// displaces the old one: last-invite-wins is a documented decision, not an
// accident, so Set returns whatever it displaced.
type Inbox struct {
	mu  sync.Mutex
	cur *domain.Invite
}

func NewInbox() *Inbox { return &Inbox{} }

// Set stores inv as the pending invite and returns the displaced one, if any.
func (b *Inbox) Set(inv domain.Invite) *domain.Invite {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.cur
	b.cur = &inv
	return old
}

// Peek returns the pending invite without clearing it.
func (b *Inbox) Peek() (domain.Invite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return domain.Invite{}, false
	}
	return *b.cur, true
}

// Take returns and clears the pending invite.
func (b *Inbox) Take() (domain.Invite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return domain.Invite{}, false
	}
	inv := *b.cur
	b.cur = nil
	return inv, true
}

func (b *Inbox) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = nil
}
