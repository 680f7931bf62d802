// Package chatsync keeps one conversation's message list consistent
// across the history loader, optimistic local writes and realtime
// pushes.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/merge"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/nutapi"
	"github.com/alexjbarnes/chat-sync/internal/pending"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// HistoryLoader loads a conversation's full history. *nutapi.Loader
// satisfies it.
type HistoryLoader interface {
	LoadAllMessages(ctx context.Context, conversationID string, opts nutapi.LoadOptions) (*nutapi.LoadResult, error)
}

// Store buffers unconfirmed local messages. *state.State satisfies it.
type Store interface {
	PutLocalMessage(conversationID string, msg models.Message) error
	LocalMessages(conversationID string) ([]models.Message, error)
	DeleteLocalMessages(conversationID string, ids ...string) (int, error)
	GetCursor(conversationID string) (state.Cursor, error)
	SetCursor(conversationID string, c state.Cursor) error
	ClearConversation(conversationID string) error
}

// PushSource delivers realtime pushes until ctx is done.
// *realtime.Subscriber satisfies it.
type PushSource interface {
	Listen(ctx context.Context, handler realtime.Handler) error
}

// Observer receives load and push outcomes. *metrics.Metrics satisfies
// it.
type Observer interface {
	ObserveLoad(summary *LoadSummary, err error)
	ObservePush(d realtime.Decision)
}

type nopObserver struct{}

func (nopObserver) ObserveLoad(*LoadSummary, error) {}
func (nopObserver) ObservePush(realtime.Decision) {}

// Config identifies the conversation and the session user.
type Config struct {
	ConversationID string
	UserID         string

	// Authenticated is false when no API token is configured; status
	// then reports signed-out.
	Authenticated bool

	LoadOptions nutapi.LoadOptions
	Gate        realtime.Gate

	// Observer is optional.
	Observer Observer
}

// LoadSummary describes the outcome of Load.
type LoadSummary struct {
	Total             int  `json:"total"`
	Loaded            int  `json:"loaded"`
	LocalOnly         int  `json:"local_only"`
	DuplicatesRemoved int  `json:"duplicates_removed"`
	Partial           bool `json:"partial"`
}

// Session owns the merged message list for one conversation.
type Session struct {
	cfg     Config
	loader  HistoryLoader
	store   Store
	tracker *pending.Tracker
	logger  *slog.Logger

	mu        sync.Mutex
	messages  []models.Message
	syncing   int
	streaming bool
	partial   bool

	// generation is bumped whenever the list is replaced by a load or an
	// applied push. A load that sees it change while fetching keeps the
	// newer server list.
	generation uint64
}

// New creates a session. A nil tracker uses pending.Default().
func New(cfg Config, loader HistoryLoader, store Store, tracker *pending.Tracker, logger *slog.Logger) (*Session, error) {
	if cfg.ConversationID == "" {
		return nil, chaterrors.ErrConversationRequired
	}

	if tracker == nil {
		tracker = pending.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	return &Session{
		cfg:      cfg,
		loader:   loader,
		store:    store,
		tracker:  tracker,
		logger:   logger.With(slog.String("conversation", cfg.ConversationID)),
		messages: []models.Message{},
	}, nil
}

// ConversationID returns the conversation this session follows.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

// Load fetches the full history, merges it with the local buffer and
// rebuilds the pending set. Buffered messages the server already has are
// dropped from the buffer. Failures are recorded as sync errors.
func (s *Session) Load(ctx context.Context) (*LoadSummary, error) {
	conv := s.cfg.ConversationID

	s.setSyncing(true)
	defer s.setSyncing(false)

	s.mu.Lock()
	startGen := s.generation
	s.mu.Unlock()

	res, err := s.loader.LoadAllMessages(ctx, conv, s.cfg.LoadOptions)
	if err != nil {
		if ctx.Err() == nil {
			s.tracker.SetSyncError(conv, err.Error())
			s.cfg.Observer.ObserveLoad(nil, err)
		}

		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	server := res.Messages
	partial := res.IsPartial

	if s.generation != startGen {
		current, _ := s.partitionLocked()
		if merge.MaxSequence(current) >= merge.MaxSequence(res.Messages) {
			s.logger.Info("list changed during load, keeping newer server list",
				slog.Int64("current_max_sequence", merge.MaxSequence(current)),
				slog.Int64("loaded_max_sequence", merge.MaxSequence(res.Messages)),
			)

			server = current
			partial = s.partial
		}
	}

	local, err := s.store.LocalMessages(conv)
	if err != nil {
		s.tracker.SetSyncError(conv, err.Error())
		s.cfg.Observer.ObserveLoad(nil, err)

		return nil, fmt.Errorf("reading local buffer: %w", err)
	}

	if repeated := merge.DuplicateIDs(server); len(repeated) > 0 {
		s.logger.Warn("server history repeats message IDs", slog.Any("ids", repeated))
	}

	result := merge.Merge(server, local)
	s.logSuperseded(server, result.Duplicates)

	if confirmed := confirmedIDs(server, result.Duplicates); len(confirmed) > 0 {
		if _, err := s.store.DeleteLocalMessages(conv, confirmed...); err != nil {
			s.logger.Warn("dropping confirmed messages from buffer", slog.String("error", err.Error()))
		}
	}

	s.tracker.InitializeFromStore(conv, result.Messages)

	cursor := state.Cursor{
		Total:       res.Total,
		MaxSequence: merge.MaxSequence(server),
		LoadedAt:    time.Now().UTC(),
		Partial:     partial,
	}
	if err := s.store.SetCursor(conv, cursor); err != nil {
		s.logger.Warn("saving load cursor", slog.String("error", err.Error()))
	}

	s.messages = result.Messages
	s.partial = partial
	s.generation++

	summary := &LoadSummary{
		Total:             res.Total,
		Loaded:            len(res.Messages),
		LocalOnly:         result.LocalOnlyCount,
		DuplicatesRemoved: result.DuplicatesRemoved,
		Partial:           partial,
	}

	level := slog.LevelInfo
	if partial {
		level = slog.LevelWarn
	}

	s.logger.Log(ctx, level, "conversation loaded",
		slog.Int("loaded", summary.Loaded),
		slog.Int("total", summary.Total),
		slog.Int("local_only", summary.LocalOnly),
		slog.Int("duplicates_removed", summary.DuplicatesRemoved),
		slog.Bool("partial", summary.Partial),
	)

	s.cfg.Observer.ObserveLoad(summary, nil)

	return summary, nil
}

// AddLocalMessage records an optimistic message: it is buffered with the
// pending marker, marked pending and merged into the list after every
// confirmed message. Adding an ID that is already pending replaces it.
func (s *Session) AddLocalMessage(msg models.Message) error {
	if msg.ID == "" {
		return chaterrors.ErrMessageIDRequired
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	conv := s.cfg.ConversationID

	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed, local := s.partitionLocked()
	if slices.ContainsFunc(confirmed, func(m models.Message) bool { return m.ID == msg.ID }) {
		s.logger.Debug("ignoring local message already confirmed", slog.String("message", msg.ID))
		return nil
	}

	marked := models.WithPendingMarker(msg)
	if err := s.store.PutLocalMessage(conv, marked); err != nil {
		s.tracker.SetSyncError(conv, err.Error())
		return fmt.Errorf("buffering message %s: %w", msg.ID, err)
	}

	s.tracker.MarkPending(conv, msg.ID)

	replaced := false

	for i := range local {
		if local[i].ID == msg.ID {
			local[i] = marked
			replaced = true
		}
	}

	if !replaced {
		local = append(local, marked)
	}

	s.messages = merge.Merge(confirmed, local).Messages

	return nil
}

// AppendContent appends chunk to a message's content. Pending messages
// are written back to the buffer so a restart keeps the partial text.
func (s *Session) AppendContent(id, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
	}

	s.messages[idx].Content += chunk

	if s.tracker.IsPending(s.cfg.ConversationID, id) {
		if err := s.store.PutLocalMessage(s.cfg.ConversationID, s.messages[idx]); err != nil {
			return fmt.Errorf("buffering message %s: %w", id, err)
		}
	}

	return nil
}

// SetStreaming tells the gate whether a reply is being streamed into the
// list locally.
func (s *Session) SetStreaming(streaming bool) {
	s.mu.Lock()
	s.streaming = streaming
	s.mu.Unlock()
}

// ApplyPush runs push through the gate. When applied, pending messages
// the push contains are confirmed and dropped from the buffer, and the
// list becomes the push merged with the messages still pending.
func (s *Session) ApplyPush(push models.PushPayload) realtime.Decision {
	conv := s.cfg.ConversationID

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.cfg.Gate.Evaluate(push, s.messages, s.streaming)
	s.cfg.Observer.ObservePush(d)

	if !d.Apply {
		s.logger.Debug("push skipped",
			slog.String("reason", string(d.Reason)),
			slog.Int("incoming", len(push.Messages)),
			slog.Int("local", len(s.messages)),
		)

		return d
	}

	pushed := make(map[string]struct{}, len(push.Messages))
	for _, m := range push.Messages {
		pushed[m.ID] = struct{}{}
	}

	var confirmed []string

	for _, id := range s.tracker.PendingIDs(conv) {
		if _, ok := pushed[id]; ok {
			s.tracker.MarkSynced(conv, id)
			confirmed = append(confirmed, id)
		}
	}

	if len(confirmed) > 0 {
		if _, err := s.store.DeleteLocalMessages(conv, confirmed...); err != nil {
			s.tracker.SetSyncError(conv, err.Error())
			s.logger.Warn("dropping confirmed messages from buffer", slog.String("error", err.Error()))
		}
	}

	var stillPending []models.Message

	for _, m := range s.messages {
		if _, ok := pushed[m.ID]; !ok && s.tracker.IsPending(conv, m.ID) {
			stillPending = append(stillPending, m)
		}
	}

	result := merge.Merge(push.Messages, stillPending)
	s.messages = result.Messages
	s.generation++

	s.logger.Debug("push applied",
		slog.String("reason", string(d.Reason)),
		slog.Int("messages", len(result.Messages)),
		slog.Int("confirmed", len(confirmed)),
		slog.Int("still_pending", result.LocalOnlyCount),
	)

	return d
}

// Follow feeds pushes from src through a coalescer into ApplyPush until
// ctx is done or src gives up. A permanent failure is recorded as a sync
// error.
func (s *Session) Follow(ctx context.Context, src PushSource) error {
	c := realtime.NewCoalescer(s.cfg.UserID, func(p models.PushPayload) bool { return s.ApplyPush(p).Apply })
	defer c.Stop()

	err := src.Listen(ctx, func(_ context.Context, p models.PushPayload) { c.Submit(p) })
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.RecordSyncError(err)
	}

	return err
}

// RecordSyncError records a background failure for status reporting.
func (s *Session) RecordSyncError(err error) {
	if err == nil {
		return
	}

	s.tracker.SetSyncError(s.cfg.ConversationID, err.Error())
}

// Messages returns a copy of the merged list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.CloneMessages(s.messages)
}

// Status returns the derived sync status.
func (s *Session) Status() pending.SyncStatus {
	s.mu.Lock()
	syncing := s.syncing > 0
	s.mu.Unlock()

	return s.tracker.ComputeSyncStatus(s.cfg.ConversationID, s.cfg.Authenticated, syncing)
}

// Partial reports whether the last load stopped early on rate limits.
func (s *Session) Partial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.partial
}

// Clear drops the buffer, the pending set, the sync error and the
// in-memory list.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearConversation(s.cfg.ConversationID); err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}

	s.tracker.ClearPending(s.cfg.ConversationID)
	s.messages = []models.Message{}
	s.partial = false
	s.generation++

	return nil
}

// setSyncing counts loads in flight so overlapping loads keep the
// syncing state until the last one returns.
func (s *Session) setSyncing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v {
		s.syncing++
	} else {
		s.syncing--
	}
}

// partitionLocked splits the list into confirmed and pending messages.
func (s *Session) partitionLocked() (confirmed, local []models.Message) {
	for _, m := range s.messages {
		if s.tracker.IsPending(s.cfg.ConversationID, m.ID) {
			local = append(local, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}

	return confirmed, local
}

// logSuperseded logs local copies whose content differed from the
// server version that replaced them.
func (s *Session) logSuperseded(server, duplicates []models.Message) {
	if len(duplicates) == 0 {
		return
	}

	byID := make(map[string]string, len(server))
	for _, m := range server {
		byID[m.ID] = m.Content
	}

	dmp := diffmatchpatch.New()

	for _, d := range duplicates {
		serverText, ok := byID[d.ID]
		if !ok || serverText == d.Content {
			continue
		}

		diffs := dmp.DiffMain(d.Content, serverText, true)
		if len(diffs) > diffCleanupThreshold {
			diffs = dmp.DiffCleanupSemantic(diffs)
			diffs = dmp.DiffCleanupEfficiency(diffs)
		}

		s.logger.Info("local copy superseded by server version",
			slog.String("message", d.ID),
			slog.String("patch", dmp.PatchToText(dmp.PatchMake(d.Content, diffs))),
		)
	}
}

// confirmedIDs returns the IDs of duplicates the server has. Repeats
// within the local buffer are left alone since the buffer is keyed by ID.
func confirmedIDs(server, duplicates []models.Message) []string {
	onServer := make(map[string]struct{}, len(server))
	for _, m := range server {
		onServer[m.ID] = struct{}{}
	}

	var ids []string

	for _, d := range duplicates {
		if _, ok := onServer[d.ID]; ok {
			ids = append(ids, d.ID)
		}
	}

	return ids
}
