package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/gateway"
	"github.com/rahulvn/vigil/internal/metrics"
	"github.com/rahulvn/vigil/internal/store"
)

// SweepConfig tunes the periodic retry sweep.
type SweepConfig struct {
	PollInterval    time.Duration // how often the due pool is drained
	BatchSize       int           // notifications claimed per tick
	Workers         int           // concurrent delivery attempts
	DeliveryTimeout time.Duration // per-attempt gateway timeout
}

// Sweeper periodically claims due notifications and reminders and drives
// delivery attempts through a bounded worker pool. A claimed notification
// carries a lease, so independent sweeper processes never double-send; an
// expired lease returns the record to the due pool.
type Sweeper struct {
	sched  *Service
	store  store.Store
	config SweepConfig
	logger *zap.Logger
}

// NewSweeper creates a sweeper over the scheduler service.
func NewSweeper(sched *Service, st store.Store, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	return &Sweeper{
		sched:  sched,
		store:  st,
		config: cfg,
		logger: logger,
	}
}

// Start runs the sweep loop until ctx is cancelled. Store failures are
// logged and retried on the next tick rather than crashing the process.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("notification sweeper stopping")
			return
		case <-ticker.C:
			s.sweepNotifications(ctx)
			s.sweepReminders(ctx)
		}
	}
}

func (s *Sweeper) sweepNotifications(ctx context.Context) {
	claimed, err := s.store.ClaimDueNotifications(ctx, time.Now(), s.sched.config.LeaseTTL, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due notifications", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	s.logger.Info("processing due notifications", zap.Int("count", len(claimed)))

	jobs := make(chan *store.Notification)
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				if _, err := s.sched.DeliverClaimed(ctx, n, s.config.DeliveryTimeout); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Error("delivery attempt error",
						zap.Int64("notification_id", n.ID),
						zap.Error(err),
					)
				}
			}
		}()
	}

	for _, n := range claimed {
		select {
		case <-ctx.Done():
			// Undispatched claims go back to the pool immediately instead
			// of waiting out the lease.
			s.release(n)
		case jobs <- n:
		}
	}
	close(jobs)
	wg.Wait()
}

func (s *Sweeper) release(n *store.Notification) {
	if n.LeaseToken == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseNotification(ctx, n.ID, *n.LeaseToken); err != nil {
		s.logger.Warn("failed to release notification claim",
			zap.Int64("notification_id", n.ID),
			zap.Error(err),
		)
	}
}

// sweepReminders dispatches due payment reminders. A reminder that fails to
// send stays unsent and is retried on the next tick.
func (s *Sweeper) sweepReminders(ctx context.Context) {
	due, err := s.store.DueReminders(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to query due reminders", zap.Error(err))
		return
	}

	for _, r := range due {
		if err := s.sendReminder(ctx, r); err != nil {
			s.logger.Warn("reminder delivery failed",
				zap.Int64("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.MarkReminderSent(ctx, r.ID); err != nil {
			s.logger.Error("failed to mark reminder sent",
				zap.Int64("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordReminderSent(r.Type)
	}
}

func (s *Sweeper) sendReminder(ctx context.Context, r *store.PaymentReminder) error {
	v, err := s.store.GetViolation(ctx, r.ViolationID)
	if err != nil {
		return err
	}
	if v.Plate == nil {
		return nil // no party to remind
	}
	party, err := s.store.GetParty(ctx, *v.Plate)
	if err != nil {
		return err
	}
	if party.Email == "" {
		return nil
	}

	due := v.CreatedAt
	if v.PaymentDueDate != nil {
		due = *v.PaymentDueDate
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()
	return s.sched.sender.Send(sendCtx, gateway.Message{
		Channel:   gateway.ChannelEmail,
		Recipient: party.Email,
		Subject:   gateway.PaymentReminderSubject(*v.Plate),
		Body:      gateway.PaymentReminderBody(*v.Plate, v.Type, v.FineAmount, due),
	})
}
