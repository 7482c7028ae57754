package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/store"
)

// UsageCounts is the number of usage events of each kind on one day.
type UsageCounts struct {
	Chat  int `json:"chat"`
	Image int `json:"image"`
}

type IdentityUsage struct {
	Identity string `json:"identity"`
	UsageCounts
}

// UsageRepository is the append-only usage ledger. Columns are positional:
// timestamp, identity, input, output and an optional kind.
type UsageRepository struct {
	backend  store.Backend
	sheet    string
	calendar Calendar
}

func NewUsageRepository(backend store.Backend, sheet string, calendar Calendar) *UsageRepository {
	return &UsageRepository{backend: backend, sheet: sheet, calendar: calendar}
}

func (r *UsageRepository) Calendar() Calendar {
	return r.calendar
}

func (r *UsageRepository) Log(ctx context.Context, event models.UsageEvent) error {
	sheet, err := r.backend.Open(ctx, r.sheet)
	if err != nil {
		return fmt.Errorf("open usage log: %w", err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = r.calendar.Current()
	}
	kind := event.Kind
	if kind == "" {
		kind = models.UsageChat
	}
	row := []string{r.calendar.Stamp(ts), event.Identity, event.Input, event.Output, string(kind)}
	if err := sheet.AppendRow(ctx, row); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// CountForDay counts the identity's events on the day containing day.
func (r *UsageRepository) CountForDay(ctx context.Context, identity string, day time.Time) (UsageCounts, error) {
	all, err := r.countAll(ctx, day)
	if err != nil {
		return UsageCounts{}, err
	}
	return all[identity], nil
}

func (r *UsageRepository) CountToday(ctx context.Context, identity string) (UsageCounts, error) {
	return r.CountForDay(ctx, identity, r.calendar.Current())
}

// Summary aggregates the day's events per identity, ordered by identity.
func (r *UsageRepository) Summary(ctx context.Context, day time.Time) ([]IdentityUsage, error) {
	all, err := r.countAll(ctx, day)
	if err != nil {
		return nil, err
	}
	out := make([]IdentityUsage, 0, len(all))
	for identity, counts := range all {
		out = append(out, IdentityUsage{Identity: identity, UsageCounts: counts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (r *UsageRepository) countAll(ctx context.Context, day time.Time) (map[string]UsageCounts, error) {
	sheet, err := r.backend.Open(ctx, r.sheet)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	values, err := sheet.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("read usage log: %w", err)
	}

	start := r.calendar.StartOfDay(day)
	counts := make(map[string]UsageCounts)
	for _, row := range values {
		if len(row) < 2 {
			continue
		}
		identity := strings.TrimSpace(row[1])
		if identity == "" || !r.onDay(start, strings.TrimSpace(row[0])) {
			continue
		}
		c := counts[identity]
		if len(row) > 4 && models.UsageKind(strings.TrimSpace(row[4])) == models.UsageImage {
			c.Image++
		} else {
			c.Chat++
		}
		counts[identity] = c
	}
	return counts, nil
}

// onDay matches a stored timestamp against the day. Cells that do not parse
// fall back to a date prefix match.
func (r *UsageRepository) onDay(start time.Time, stamp string) bool {
	if ts, err := r.calendar.ParseStamp(stamp); err == nil {
		return r.calendar.Contains(start, ts)
	}
	return strings.HasPrefix(stamp, start.Format(dateLayout))
}
