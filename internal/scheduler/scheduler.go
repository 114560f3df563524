package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/events"
	"github.com/bpark/bparkd/pkg/logger"
)

const forcedStayMinutes = 240

// Sweeper expires unclaimed reservations.
type Sweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
}

// ReportRunner generates the monthly reports when they are due.
type ReportRunner interface {
	RunIfDue(ctx context.Context) (bool, error)
}

// Sessions is the slice of the session registry the inactivity monitor
// needs.
type Sessions interface {
	Idle(cutoff time.Time) []session.IdleEntry
	Get(connID uuid.UUID) (domain.ClientSession, bool)
}

// Config holds the scheduler's cadences. All have working defaults from
// the environment config.
type Config struct {
	Interval           time.Duration
	InactivityInterval time.Duration
	IdleCutoff         time.Duration
	WarnGrace          time.Duration
	SupportPhone       string
	SupportEmail       string
}

// Scheduler drives the periodic jobs: the reservation sweep, overdue
// notifications, forced evictions, monthly reports and the idle-session
// monitor. All database work goes through repositories backed by the
// dedicated background connection, never the client pool.
type Scheduler struct {
	cfg      Config
	sweeper  Sweeper
	history  postgres.HistoryRepository
	spots    postgres.SpotRepository
	reports  ReportRunner
	sessions Sessions
	bus      events.Publisher
	now      func() time.Time
}

func New(
	cfg Config,
	sweeper Sweeper,
	history postgres.HistoryRepository,
	spots postgres.SpotRepository,
	reports ReportRunner,
	sessions Sessions,
	bus events.Publisher,
	now func() time.Time,
) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		sweeper:  sweeper,
		history:  history,
		spots:    spots,
		reports:  reports,
		sessions: sessions,
		bus:      bus,
		now:      now,
	}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.idleLoop(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	ctx = context.WithValue(ctx, logger.JobKey, "maintenance")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one round of the maintenance jobs. Every job is idempotent,
// so overlapping or repeated rounds are harmless.
func (s *Scheduler) Tick(ctx context.Context) {
	if swept, err := s.sweeper.ExpireSweep(ctx); err != nil {
		logger.ErrorContext(ctx, "reservation sweep", "error", err)
	} else if swept > 0 {
		logger.InfoContext(ctx, "swept unclaimed reservations", "count", swept)
	}

	s.notifyOverdue(ctx)
	s.evictAbandoned(ctx)

	if _, err := s.reports.RunIfDue(ctx); err != nil {
		logger.ErrorContext(ctx, "monthly report run", "error", err)
	}
}

// notifyOverdue mails each overdue session once. MarkLateNotified flips
// the flag that takes the row out of the Overdue query, so a crash after
// the mail but before the mark sends at most one duplicate.
func (s *Scheduler) notifyOverdue(ctx context.Context) {
	overdue, err := s.history.Overdue(ctx, s.now())
	if err != nil {
		logger.ErrorContext(ctx, "list overdue sessions", "error", err)
		return
	}
	for _, o := range overdue {
		if err := s.bus.Publish(ctx, events.NotifySend, events.NotificationEvent{
			Kind:      events.NotifyLatePickup,
			Recipient: o.Email,
			Name:      o.Name,
			Data:      map[string]string{"support_phone": s.cfg.SupportPhone},
		}); err != nil {
			logger.ErrorContext(ctx, "publish late pickup notification", "history_id", o.HistoryID, "error", err)
			continue
		}
		if err := s.history.MarkLateNotified(ctx, o.HistoryID); err != nil {
			logger.ErrorContext(ctx, "mark late notified", "history_id", o.HistoryID, "error", err)
		}
	}
}

// evictAbandoned force-closes sessions that stayed 4 hours past their
// deadline after being notified, frees their spots and mails the owner.
func (s *Scheduler) evictAbandoned(ctx context.Context) {
	candidates, err := s.history.EvictionCandidates(ctx, s.now())
	if err != nil {
		logger.ErrorContext(ctx, "list eviction candidates", "error", err)
		return
	}
	for _, c := range candidates {
		now := s.now()
		total := int(now.Sub(c.EntryTime).Minutes())
		ok, err := s.history.ForceClose(ctx, c.HistoryID, now, total)
		if err != nil {
			logger.ErrorContext(ctx, "force close session", "history_id", c.HistoryID, "error", err)
			continue
		}
		if !ok {
			// Already closed, likely a last-second pickup.
			continue
		}
		if _, err := s.spots.SetInUse(ctx, c.SpotID, false); err != nil {
			logger.ErrorContext(ctx, "free spot after eviction", "spot_id", c.SpotID, "error", err)
		}

		logger.WarnContext(ctx, "session force closed",
			"history_id", c.HistoryID, "subscriber_id", c.SubscriberID, "spot_id", c.SpotID)

		if err := s.bus.Publish(ctx, events.ParkingForcedExit, events.ParkingEndedEvent{
			SessionID:    c.HistoryID,
			SubscriberID: c.SubscriberID,
			SpotID:       c.SpotID,
			ExitTime:     now,
			Late:         true,
			Forced:       true,
		}); err != nil {
			logger.ErrorContext(ctx, "publish forced exit event", "error", err)
		}
		if err := s.bus.Publish(ctx, events.NotifySend, events.NotificationEvent{
			Kind:      events.NotifyForcedExit,
			Recipient: c.Email,
			Name:      c.Name,
			Data: map[string]string{
				"support_phone": s.cfg.SupportPhone,
				"support_email": s.cfg.SupportEmail,
				"minutes_over":  strconv.Itoa(forcedStayMinutes),
			},
		}); err != nil {
			logger.ErrorContext(ctx, "publish forced exit notification", "error", err)
		}
	}
}

func (s *Scheduler) idleLoop(ctx context.Context) {
	ctx = context.WithValue(ctx, logger.JobKey, "idle_monitor")
	ticker := time.NewTicker(s.cfg.InactivityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CloseIdle(ctx)
		}
	}
}

// CloseIdle warns every session idle past the cutoff, then closes the
// ones that stay silent through the grace period.
func (s *Scheduler) CloseIdle(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.IdleCutoff)
	for _, entry := range s.sessions.Idle(cutoff) {
		entry := entry
		go func() {
			if err := entry.Conn.Send("INACTIVITY_WARNING You will be disconnected due to inactivity"); err != nil {
				entry.Conn.Close()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.WarnGrace):
			}
			current, ok := s.sessions.Get(entry.Session.ConnectionID)
			if ok && current.LastActivity.Equal(entry.Session.LastActivity) {
				logger.InfoContext(ctx, "closing idle session",
					"identity_id", entry.Session.IdentityID, "remote_addr", entry.Session.RemoteAddr)
				entry.Conn.Close()
			}
		}()
	}
}
