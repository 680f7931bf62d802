package nutapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	DefaultPageSize   = 100
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second

	// maxRetryShift caps the exponent in the backoff computation so the
	// shift cannot overflow time.Duration.
	maxRetryShift = 30
)

// Progress is reported after every page and every rate-limited attempt.
type Progress struct {
	Loaded        int
	Total         int
	Page          int
	IsComplete    bool
	IsRateLimited bool
}

// LoadOptions controls LoadAllMessages. Zero values take the defaults.
type LoadOptions struct {
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Order      Order
	OnProgress func(Progress)

	// NoRetry disables rate limit retries. MaxRetries of zero means
	// "use the default", so this is the only way to ask for none.
	NoRetry bool
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}

	if o.NoRetry {
		o.MaxRetries = 0
	} else if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}

	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}

	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}

	if o.Order == "" {
		o.Order = OrderAsc
	}

	return o
}

// LoadResult is the outcome of LoadAllMessages. IsPartial is set when
// rate limit retries ran out before every page was fetched; Messages
// then holds everything loaded up to that point.
type LoadResult struct {
	Messages  []models.Message
	Total     int
	IsPartial bool
}

// Backoff returns min(base * 2^attempt, maxDelay).
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	shift := min(max(attempt, 0), maxRetryShift)

	delay := base * time.Duration(1<<shift)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// PageFetcher fetches one page. *Client satisfies it.
type PageFetcher interface {
	FetchMessagePage(ctx context.Context, conversationID string, offset, limit int, order Order) (*models.Page, error)
}

// Loader pulls a conversation's full history page by page.
type Loader struct {
	fetcher PageFetcher
	logger  *slog.Logger
}

// NewLoader creates a loader on top of fetcher.
func NewLoader(fetcher PageFetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{fetcher: fetcher, logger: logger}
}

// LoadAllMessages fetches every page of conversationID strictly in
// sequence. HTTP 429 responses are retried on the same page with
// exponential backoff; once retries run out the messages loaded so far
// are returned with IsPartial set and a nil error. Any other failure is
// returned immediately without a partial result.
//
// Cancelling ctx stops the load before the next retry or progress
// callback and returns ctx.Err().
func (l *Loader) LoadAllMessages(ctx context.Context, conversationID string, opts LoadOptions) (*LoadResult, error) {
	if conversationID == "" {
		return nil, chaterrors.ErrConversationRequired
	}

	opts = opts.withDefaults()

	report := func(p Progress) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}

		return nil
	}

	var (
		all   []models.Message
		total int
		page  = 1
	)

	for {
		var (
			result  *models.Page
			attempt int
		)

		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			p, err := l.fetcher.FetchMessagePage(ctx, conversationID, len(all), opts.PageSize, opts.Order)
			if err == nil {
				result = p
				break
			}

			if !IsRateLimited(err) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}

				return nil, fmt.Errorf("loading page %d of %s: %w", page, conversationID, err)
			}

			if perr := report(Progress{Loaded: len(all), Total: total, Page: page, IsRateLimited: true}); perr != nil {
				return nil, perr
			}

			if attempt >= opts.MaxRetries {
				l.logger.Warn("rate limit retries exhausted, returning partial result",
					slog.String("conversation", conversationID),
					slog.Int("page", page),
					slog.Int("loaded", len(all)),
					slog.Int("total", total),
				)

				return &LoadResult{Messages: nonNil(all), Total: total, IsPartial: true}, nil
			}

			delay := Backoff(opts.BaseDelay, opts.MaxDelay, attempt)
			attempt++

			l.logger.Debug("rate limited, backing off",
				slog.String("conversation", conversationID),
				slog.Int("page", page),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)

			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if page == 1 && result.Total == 0 {
			return &LoadResult{Messages: []models.Message{}, Total: 0}, nil
		}

		total = result.Total
		all = append(all, result.Messages...)

		// A short page below the reported total means the server's count
		// is stale. Stop rather than request empty pages forever.
		complete := len(all) >= total || len(result.Messages) == 0
		if complete && len(all) < total {
			l.logger.Warn("server returned an empty page before reaching total",
				slog.String("conversation", conversationID),
				slog.Int("loaded", len(all)),
				slog.Int("total", total),
			)
		}

		if err := report(Progress{Loaded: len(all), Total: total, Page: page, IsComplete: complete}); err != nil {
			return nil, err
		}

		if complete {
			return &LoadResult{Messages: all, Total: total}, nil
		}

		page++
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nonNil(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}

	return msgs
}
