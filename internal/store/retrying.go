package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomatolab/classchat/internal/retry"
)

// WithRetry decorates every call of backend with the retry policy. When
// the policy is exhausted the returned error wraps ErrUnavailable.
func WithRetry(backend Backend, policy retry.Policy, log *slog.Logger) Backend {
	return &retryingBackend{inner: backend, policy: policy, log: log}
}

type retryingBackend struct {
	inner  Backend
	policy retry.Policy
	log    *slog.Logger
}

func (b *retryingBackend) Open(ctx context.Context, name string) (Sheet, error) {
	var sheet Sheet
	err := b.do(ctx, name, "open", func(ctx context.Context) error {
		s, err := b.inner.Open(ctx, name)
		if err != nil {
			return err
		}
		sheet = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &retryingSheet{inner: sheet, backend: b}, nil
}

func (b *retryingBackend) do(ctx context.Context, sheet, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && permanent(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		if b.log != nil {
			b.log.Warn("record store call failed, retrying", "sheet", sheet, "op", op, "attempt", attempt, "delay", delay, "err", err)
		}
	})
	if err == nil {
		return nil
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, sheet, exhausted.Last)
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, ErrSheetNotFound) ||
		errors.Is(err, ErrColumnMissing) ||
		errors.Is(err, ErrRowOutOfRange) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

type retryingSheet struct {
	inner   Sheet
	backend *retryingBackend
}

func (s *retryingSheet) Name() string { return s.inner.Name() }

func (s *retryingSheet) Values(ctx context.Context) ([][]string, error) {
	var values [][]string
	err := s.backend.do(ctx, s.inner.Name(), "values", func(ctx context.Context) error {
		v, err := s.inner.Values(ctx)
		if err != nil {
			return err
		}
		values = v
		return nil
	})
	return values, err
}

func (s *retryingSheet) AppendRow(ctx context.Context, values []string) error {
	return s.backend.do(ctx, s.inner.Name(), "append", func(ctx context.Context) error {
		return s.inner.AppendRow(ctx, values)
	})
}

func (s *retryingSheet) UpdateCell(ctx context.Context, row, col int, value string) error {
	return s.backend.do(ctx, s.inner.Name(), "update", func(ctx context.Context) error {
		return s.inner.UpdateCell(ctx, row, col, value)
	})
}

func (s *retryingSheet) CompareAndSwapCell(ctx context.Context, row, col int, old, value string) (bool, error) {
	var swapped bool
	err := s.backend.do(ctx, s.inner.Name(), "swap", func(ctx context.Context) error {
		ok, err := CompareAndSwap(ctx, s.inner, row, col, old, value)
		if err != nil {
			return err
		}
		swapped = ok
		return nil
	})
	return swapped, err
}

// CompareAndSwap updates a cell only if it still holds old. Sheets without
// native support get a read-check-write, which narrows but does not close
// the race window.
func CompareAndSwap(ctx context.Context, sheet Sheet, row, col int, old, value string) (bool, error) {
	if swapper, ok := sheet.(CellSwapper); ok {
		return swapper.CompareAndSwapCell(ctx, row, col, old, value)
	}
	values, err := sheet.Values(ctx)
	if err != nil {
		return false, err
	}
	if row < 1 || row > len(values) {
		return false, fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	current := ""
	if col >= 1 && col <= len(values[row-1]) {
		current = values[row-1][col-1]
	}
	if current != old {
		return false, nil
	}
	return true, sheet.UpdateCell(ctx, row, col, value)
}
