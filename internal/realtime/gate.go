// Package realtime decides whether pushed message lists replace the local
// view, coalesces bursts of pushes, and follows the push channel over a
// websocket.
package realtime

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/merge"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Mode selects the rule set the gate applies.
type Mode string

const (
	// ModeHeuristic compares counts, authorship, trailing content length
	// and the local streaming flag.
	ModeHeuristic Mode = "heuristic"

	// ModeSequence applies a push only when it carries a higher sequence
	// number than anything held locally, or comes from another user.
	ModeSequence Mode = "sequence"
)

// ParseMode converts a config value to a Mode. Empty means heuristic.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeHeuristic:
		return ModeHeuristic, nil
	case ModeSequence:
		return ModeSequence, nil
	default:
		return "", fmt.Errorf("unknown realtime gate mode %q", s)
	}
}

// Reason explains a gate decision. It is logged, never shown to users.
type Reason string

const (
	ReasonRemoteUser   Reason = "remote_user"
	ReasonNewMessage   Reason = "new_message"
	ReasonContentGrew  Reason = "content_grew"
	ReasonListChanged  Reason = "list_changed"
	ReasonNewSequence  Reason = "new_sequence"
	ReasonIdentical    Reason = "identical"
	ReasonStaleContent Reason = "stale_content"
	ReasonStreaming    Reason = "streaming"
	ReasonStale        Reason = "stale_sequence"
)

// Decision is the outcome of Gate.Evaluate.
type Decision struct {
	Apply  bool
	Reason Reason
}

// Gate filters incoming pushes against the local message list. The zero
// value runs in heuristic mode with no session user.
type Gate struct {
	UserID string
	Mode   Mode
}

// Evaluate decides whether push should replace local. streaming reports
// whether this client is currently streaming an assistant reply into
// local. Evaluate is pure and safe to call concurrently.
func (g Gate) Evaluate(push models.PushPayload, local []models.Message, streaming bool) Decision {
	if g.isRemote(push) {
		return Decision{Apply: true, Reason: ReasonRemoteUser}
	}

	if g.Mode == ModeSequence {
		if merge.MaxSequence(push.Messages) > merge.MaxSequence(local) {
			return Decision{Apply: true, Reason: ReasonNewSequence}
		}

		return Decision{Reason: ReasonStale}
	}

	incoming := push.Messages

	if len(incoming) > len(local) && !incoming[len(incoming)-1].IsEmptyPlaceholder() {
		return Decision{Apply: true, Reason: ReasonNewMessage}
	}

	changed, grew := trailingContent(incoming, local)
	if changed && grew {
		return Decision{Apply: true, Reason: ReasonContentGrew}
	}

	if listsEqual(incoming, local) {
		return Decision{Reason: ReasonIdentical}
	}

	if !streaming {
		return Decision{Apply: true, Reason: ReasonListChanged}
	}

	if changed {
		return Decision{Reason: ReasonStaleContent}
	}

	return Decision{Reason: ReasonStreaming}
}

func (g Gate) isRemote(push models.PushPayload) bool {
	return push.LastModifiedBy != "" && push.LastModifiedBy != g.UserID
}

// trailingContent compares the last incoming message against the local
// message with the same ID. A tail the local list does not know is a new
// message, not a content change. grew is true when the incoming content is
// strictly longer in runes after NFC normalization.
func trailingContent(incoming, local []models.Message) (changed, grew bool) {
	if len(incoming) == 0 {
		return false, false
	}

	last := incoming[len(incoming)-1]

	idx := slices.IndexFunc(local, func(m models.Message) bool { return m.ID == last.ID })
	if idx < 0 {
		return false, false
	}

	counterpart := local[idx]

	if contentEqual(last.Content, counterpart.Content) {
		return false, false
	}

	in := utf8.RuneCountInString(norm.NFC.String(last.Content))
	cur := utf8.RuneCountInString(norm.NFC.String(counterpart.Content))

	return true, in > cur
}

func listsEqual(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Role != b[i].Role ||
			a[i].SequenceNum != b[i].SequenceNum ||
			!contentEqual(a[i].Content, b[i].Content) {
			return false
		}
	}

	return true
}

func contentEqual(a, b string) bool {
	return a == b || norm.NFC.String(a) == norm.NFC.String(b)
}
