package thread

import (
	"strings"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Derive computes a thread's aggregate resolution state from its messages.
// Rules apply in order:
//
//  1. any message awaiting me wins
//  2. every message resolved gives resolved
//  3. any message awaiting them gives awaiting them
//  4. the latest message sent by self gives awaiting them
//  5. anything else is none
//
// Messages need not be sorted. An empty thread is none.
func Derive(msgs []*store.Message, self string) store.Resolution {
	if len(msgs) == 0 {
		return store.ResolutionNone
	}

	var (
		resolved     = 0
		awaitingThem = false
		latest       *store.Message
	)
	for _, m := range msgs {
		switch m.Resolution {
		case store.ResolutionAwaitingMe:
			return store.ResolutionAwaitingMe
		case store.ResolutionResolved:
			resolved++
		case store.ResolutionAwaitingThem:
			awaitingThem = true
		}

		if latest == nil || newer(m, latest) {
			latest = m
		}
	}

	switch {
	case resolved == len(msgs):
		return store.ResolutionResolved
	case awaitingThem:
		return store.ResolutionAwaitingThem
	case FromSelf(latest, self):
		return store.ResolutionAwaitingThem
	}
	return store.ResolutionNone
}

// newer orders by received time, breaking ties on id so the result does
// not depend on input order
func newer(a, b *store.Message) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.ID > b.ID
}

// FromSelf reports whether m was sent by the address self
func FromSelf(m *store.Message, self string) bool {
	if self == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(m.From.Address),
		strings.TrimSpace(self))
}
