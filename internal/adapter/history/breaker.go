package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Recorder wraps a HistoryStore with circuit breaker protection. When the
// store fails repeatedly the circuit opens and calls fail fast with
// ErrHistoryOffline instead of stalling every submitted command on a broken
// disk.
type Recorder struct {
	inner   domain.HistoryStore
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

var _ domain.HistoryStore = (*Recorder)(nil)

// NewRecorder wraps inner. Zero-valued settings use defaults.
func NewRecorder(inner domain.HistoryStore, cfg config.BreakerConfig, logger *slog.Logger) *Recorder {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "history",
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return &Recorder{inner: inner, breaker: cb, logger: logger}
}

func (r *Recorder) Append(ctx context.Context, e domain.HistoryEntry) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.inner.Append(ctx, e)
	})
	return r.wrap("Recorder.Append", err)
}

func (r *Recorder) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	v, err := r.breaker.Execute(func() (any, error) {
		return r.inner.Recent(ctx, limit)
	})
	if err != nil {
		return nil, r.wrap("Recorder.Recent", err)
	}
	entries, _ := v.([]domain.HistoryEntry)
	return entries, nil
}

func (r *Recorder) ForTab(ctx context.Context, tabID string, limit int) ([]domain.HistoryEntry, error) {
	v, err := r.breaker.Execute(func() (any, error) {
		return r.inner.ForTab(ctx, tabID, limit)
	})
	if err != nil {
		return nil, r.wrap("Recorder.ForTab", err)
	}
	entries, _ := v.([]domain.HistoryEntry)
	return entries, nil
}

func (r *Recorder) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	v, err := r.breaker.Execute(func() (any, error) {
		return r.inner.Prune(ctx, olderThan)
	})
	if err != nil {
		return 0, r.wrap("Recorder.Prune", err)
	}
	n, _ := v.(int64)
	return n, nil
}

func (r *Recorder) Close() error { return r.inner.Close() }

// State returns the current circuit breaker state for monitoring.
func (r *Recorder) State() gobreaker.State {
	return r.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (r *Recorder) Counts() gobreaker.Counts {
	return r.breaker.Counts()
}

func (r *Recorder) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewCausedError(op, domain.ErrHistoryOffline, err)
	}
	return err
}
