package thread

import (
	"fmt"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const self = "me@example.com"

func msg(r store.Resolution, from string, at int) *store.Message {
	return &store.Message{
		ID:         fmt.Sprintf("m%03d", at),
		Resolution: r,
		From:       store.Participant{Address: from},
		ReceivedAt: time.Unix(int64(at)*60, 0),
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		msgs []*store.Message
		want store.Resolution
	}{
		{
			name: "empty thread",
			want: store.ResolutionNone,
		},
		{
			name: "awaiting me takes precedence",
			msgs: []*store.Message{
				msg(store.ResolutionNone, "a@example.com", 1),
				msg(store.ResolutionAwaitingMe, "a@example.com", 2),
			},
			want: store.ResolutionAwaitingMe,
		},
		{
			name: "awaiting me beats resolved and self",
			msgs: []*store.Message{
				msg(store.ResolutionResolved, "a@example.com", 1),
				msg(store.ResolutionAwaitingMe, "a@example.com", 2),
				msg(store.ResolutionNone, self, 3),
			},
			want: store.ResolutionAwaitingMe,
		},
		{
			name: "all resolved",
			msgs: []*store.Message{
				msg(store.ResolutionResolved, "a@example.com", 1),
				msg(store.ResolutionResolved, self, 2),
			},
			want: store.ResolutionResolved,
		},
		{
			name: "single message from self",
			msgs: []*store.Message{
				msg(store.ResolutionNone, self, 1),
			},
			want: store.ResolutionAwaitingThem,
		},
		{
			name: "self address compared case insensitively",
			msgs: []*store.Message{
				msg(store.ResolutionNone, "Me@Example.com ", 1),
			},
			want: store.ResolutionAwaitingThem,
		},
		{
			name: "awaiting them present",
			msgs: []*store.Message{
				msg(store.ResolutionAwaitingThem, self, 1),
				msg(store.ResolutionNone, "a@example.com", 2),
			},
			want: store.ResolutionAwaitingThem,
		},
		{
			name: "latest from other",
			msgs: []*store.Message{
				msg(store.ResolutionNone, self, 1),
				msg(store.ResolutionResolved, "a@example.com", 2),
			},
			want: store.ResolutionNone,
		},
		{
			name: "latest from self out of order",
			msgs: []*store.Message{
				msg(store.ResolutionNone, self, 5),
				msg(store.ResolutionNone, "a@example.com", 2),
			},
			want: store.ResolutionAwaitingThem,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Derive(tc.msgs, self))
		})
	}
}

var resolutions = []store.Resolution{
	store.ResolutionAwaitingMe,
	store.ResolutionAwaitingThem,
	store.ResolutionResolved,
	store.ResolutionNone,
}

func genThread(t *rapid.T) []*store.Message {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	msgs := make([]*store.Message, n)
	for i := range msgs {
		r := rapid.SampledFrom(resolutions).Draw(t, "resolution")
		from := rapid.SampledFrom([]string{self, "a@example.com"}).Draw(t, "from")
		at := rapid.IntRange(0, 1000).Draw(t, "at")
		m := msg(r, from, at)
		m.ID = fmt.Sprintf("m%03d-%d", at, i)
		msgs[i] = m
	}
	return msgs
}

// TestDeriveProperties checks the ordering rules hold for arbitrary
// threads and that input order never matters.
func TestDeriveProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := genThread(t)
		got := Derive(msgs, self)
		require.True(t, got.Valid())

		var awaitingMe, allResolved = false, len(msgs) > 0
		for _, m := range msgs {
			if m.Resolution == store.ResolutionAwaitingMe {
				awaitingMe = true
			}
			if m.Resolution != store.ResolutionResolved {
				allResolved = false
			}
		}
		switch {
		case awaitingMe:
			require.Equal(t, store.ResolutionAwaitingMe, got)
		case allResolved:
			require.Equal(t, store.ResolutionResolved, got)
		case len(msgs) == 0:
			require.Equal(t, store.ResolutionNone, got)
		}

		reversed := make([]*store.Message, len(msgs))
		for i, m := range msgs {
			reversed[len(msgs)-1-i] = m
		}
		require.Equal(t, got, Derive(reversed, self))
	})
}
