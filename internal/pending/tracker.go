// Package pending tracks, per conversation, which locally created
// messages are still waiting for the server to acknowledge them, plus
// the last background sync error. The state is shared by every consumer
// of a conversation, so a single Tracker is normally used process-wide
// through Default.
package pending

import (
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// SyncState is the derived status of a conversation.
type SyncState string

const (
	StateSignedOut SyncState = "signed-out"
	StateSyncing   SyncState = "syncing"
	StatePending   SyncState = "pending"
	StateError     SyncState = "error"
	StateSynced    SyncState = "synced"
)

// SyncError is the last recorded background sync failure.
type SyncError struct {
	Message string
	At      time.Time
}

// SyncStatus bundles everything a status indicator needs.
type SyncStatus struct {
	State        SyncState  `json:"state"`
	PendingCount int        `json:"pending_count"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
}

type conversationState struct {
	pending map[string]struct{}
	lastErr *SyncError
}

// Tracker is a keyed store of per-conversation pending state. The zero
// value is not usable; create one with NewTracker.
type Tracker struct {
	mu    sync.Mutex
	convs map[string]*conversationState
	now   func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		convs: make(map[string]*conversationState),
		now:   time.Now,
	}
}

var defaultTracker = NewTracker()

// Default returns the process-wide tracker.
func Default() *Tracker {
	return defaultTracker
}

// Reset drops the state of every conversation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.convs)
}

// state returns the conversation's state, creating it on first use.
// Callers must hold t.mu.
func (t *Tracker) state(conversationID string) *conversationState {
	cs, ok := t.convs[conversationID]
	if !ok {
		cs = &conversationState{pending: make(map[string]struct{})}
		t.convs[conversationID] = cs
	}

	return cs
}

// MarkPending records messageID as awaiting acknowledgment. Marking an
// already pending message is a no-op.
func (t *Tracker) MarkPending(conversationID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state(conversationID).pending[messageID] = struct{}{}
}

// MarkSynced removes messageID from the pending set and clears the
// conversation's sync error. Unknown IDs are ignored.
func (t *Tracker) MarkSynced(conversationID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.convs[conversationID]
	if !ok {
		return
	}

	if _, was := cs.pending[messageID]; !was {
		return
	}

	delete(cs.pending, messageID)
	cs.lastErr = nil
}

// IsPending reports whether messageID is awaiting acknowledgment.
func (t *Tracker) IsPending(conversationID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.convs[conversationID]
	if !ok {
		return false
	}

	_, pending := cs.pending[messageID]

	return pending
}

// PendingIDs returns the pending message IDs, sorted.
func (t *Tracker) PendingIDs(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.convs[conversationID]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(cs.pending))
	for id := range cs.pending {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// PendingCount returns the number of pending messages.
func (t *Tracker) PendingCount(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.convs[conversationID]
	if !ok {
		return 0
	}

	return len(cs.pending)
}

// SetSyncError records msg as the conversation's last sync error,
// replacing any previous one.
func (t *Tracker) SetSyncError(conversationID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state(conversationID).lastErr = &SyncError{Message: msg, At: t.now()}
}

// ClearSyncError forgets the conversation's last sync error.
func (t *Tracker) ClearSyncError(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cs, ok := t.convs[conversationID]; ok {
		cs.lastErr = nil
	}
}

// SyncError returns a copy of the last sync error, or nil.
func (t *Tracker) SyncError(conversationID string) *SyncError {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.convs[conversationID]
	if !ok || cs.lastErr == nil {
		return nil
	}

	e := *cs.lastErr

	return &e
}

// ClearPending drops both the pending set and the sync error.
func (t *Tracker) ClearPending(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.convs, conversationID)
}

// ComputeSyncState derives the conversation status. Priority:
// signed-out, syncing, pending, error, synced. Pending outranks error so
// an in-flight save never shows as failed.
func (t *Tracker) ComputeSyncState(conversationID string, isAuthenticated, isSyncing bool) SyncState {
	return t.ComputeSyncStatus(conversationID, isAuthenticated, isSyncing).State
}

// ComputeSyncStatus returns the derived state together with the pending
// count and the last error. An empty conversation ID yields the default
// synced status.
func (t *Tracker) ComputeSyncStatus(conversationID string, isAuthenticated, isSyncing bool) SyncStatus {
	status := SyncStatus{State: StateSynced}
	if conversationID == "" {
		return status
	}

	hasErr := false

	t.mu.Lock()
	cs, ok := t.convs[conversationID]
	if ok {
		status.PendingCount = len(cs.pending)
		if cs.lastErr != nil {
			at := cs.lastErr.At
			hasErr = true
			status.LastError = cs.lastErr.Message
			status.LastErrorAt = &at
		}
	}
	t.mu.Unlock()

	switch {
	case !isAuthenticated:
		status.State = StateSignedOut
	case isSyncing:
		status.State = StateSyncing
	case status.PendingCount > 0:
		status.State = StatePending
	case hasErr:
		status.State = StateError
	default:
		status.State = StateSynced
	}

	return status
}

// ExtractPendingMessageIDs returns the IDs of messages carrying the
// pending annotation, in list order.
func ExtractPendingMessageIDs(msgs []models.Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.ID != "" && models.HasPendingMarker(m) {
			ids = append(ids, m.ID)
		}
	}

	return ids
}

// InitializeFromStore rebuilds the conversation's pending set from a
// freshly loaded message list. Prior state, including the sync error,
// is discarded first.
func (t *Tracker) InitializeFromStore(conversationID string, msgs []models.Message) {
	ids := ExtractPendingMessageIDs(msgs)

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.convs, conversationID)

	if len(ids) == 0 {
		return
	}

	cs := t.state(conversationID)
	for _, id := range ids {
		cs.pending[id] = struct{}{}
	}
}
