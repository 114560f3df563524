package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/pkg/logger"
)

// Generator builds the monthly xlsx reports and stores them as blobs
// keyed by the first of the month. The last generated month lives in the
// database, so a restart mid-month never regenerates or skips a run.
type Generator struct {
	history     postgres.HistoryRepository
	subscribers postgres.SubscriberRepository
	reports     postgres.ReportRepository
	now         func() time.Time
}

func NewGenerator(
	history postgres.HistoryRepository,
	subscribers postgres.SubscriberRepository,
	reports postgres.ReportRepository,
	now func() time.Time,
) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		history:     history,
		subscribers: subscribers,
		reports:     reports,
		now:         now,
	}
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// RunIfDue generates last month's reports once the month has rolled over,
// exactly once per month. Returns true when a run happened.
func (g *Generator) RunIfDue(ctx context.Context) (bool, error) {
	prev := firstOfMonth(g.now()).AddDate(0, -1, 0)

	last, err := g.reports.LastGeneratedMonth(ctx)
	if err != nil {
		return false, fmt.Errorf("read last generated month: %w", err)
	}
	if !last.IsZero() && !firstOfMonth(last).Before(prev) {
		return false, nil
	}

	if err := g.Generate(ctx, prev); err != nil {
		return false, err
	}
	if err := g.reports.SetLastGeneratedMonth(ctx, prev); err != nil {
		return false, fmt.Errorf("record report run: %w", err)
	}
	return true, nil
}

// Generate builds and stores the lot-wide and per-subscriber workbooks
// for the given month. Regenerating an existing month overwrites it.
func (g *Generator) Generate(ctx context.Context, month time.Time) error {
	from := firstOfMonth(month)
	to := from.AddDate(0, 1, 0)

	stats, err := g.history.MonthlyStats(ctx, from, to)
	if err != nil {
		return fmt.Errorf("aggregate month: %w", err)
	}
	blob, err := renderParkingReport(stats)
	if err != nil {
		return fmt.Errorf("render parking report: %w", err)
	}
	if err := g.reports.SaveParkingReport(ctx, from, blob); err != nil {
		return fmt.Errorf("save parking report: %w", err)
	}

	sessions, err := g.history.SessionsBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load month sessions: %w", err)
	}
	bySub := make(map[string][]domain.ParkingSession)
	for _, s := range sessions {
		bySub[s.SubscriberID] = append(bySub[s.SubscriberID], s)
	}

	subs, err := g.subscribers.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	for _, sub := range subs {
		subSessions := bySub[sub.ID]
		if len(subSessions) == 0 {
			continue
		}
		blob, err := renderSubscriberReport(sub, subSessions)
		if err != nil {
			logger.ErrorContext(ctx, "render subscriber report", "subscriber_id", sub.ID, "error", err)
			continue
		}
		if err := g.reports.SaveSubscriberReport(ctx, sub.ID, from, blob); err != nil {
			logger.ErrorContext(ctx, "save subscriber report", "subscriber_id", sub.ID, "error", err)
		}
	}

	logger.InfoContext(ctx, "monthly reports generated",
		"month", from.Format("2006-01"), "subscribers", len(bySub))
	return nil
}

// ParkingReport fetches a stored lot-wide workbook. Nil when the month
// has no report.
func (g *Generator) ParkingReport(ctx context.Context, month time.Time) ([]byte, error) {
	return g.reports.GetParkingReport(ctx, firstOfMonth(month))
}

// SubscriberReport fetches a stored per-subscriber workbook.
func (g *Generator) SubscriberReport(ctx context.Context, subscriberID string, month time.Time) ([]byte, error) {
	return g.reports.GetSubscriberReport(ctx, subscriberID, firstOfMonth(month))
}
