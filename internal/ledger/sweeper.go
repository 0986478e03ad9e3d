package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper periodically releases reservations whose work never settled, so a
// crashed computation stops holding budget after Timeout instead of at the
// next day boundary.
type Sweeper struct {
	ledger   *Ledger
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cronlib.Cron
}

func NewSweeper(l *Ledger, schedule string, timeout time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("sweeper timeout must be positive, got %s", timeout)
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		ledger:   l,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
		cron:     cronlib.New(cronlib.WithParser(cronParser)),
	}, nil
}

// Start schedules sweeps until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reservation sweeper started", "schedule", s.schedule, "timeout", s.timeout)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one release pass.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.ledger.ReleaseStale(ctx, s.timeout)
}
