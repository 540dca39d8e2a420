package power

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/psantana5/printfarm/pkg/logging"
)

// Schedule switches every relay on and off at fixed times of day
type Schedule struct {
	cron   *cron.Cron
	coord  *Coordinator
	busy   func(deviceID string) bool
	logger *logging.Logger
}

// ScheduleConfig holds the two cron expressions and their time zone
type ScheduleConfig struct {
	OnSpec   string // e.g. "30 8 * * *"
	OffSpec  string // e.g. "0 20 * * *"
	Location *time.Location
}

// NewSchedule parses both expressions. busy reports devices that must not be switched off.
func NewSchedule(coord *Coordinator, cfg ScheduleConfig, busy func(deviceID string) bool, logger *logging.Logger) (*Schedule, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	s := &Schedule{
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		coord:  coord,
		busy:   busy,
		logger: logger,
	}

	if cfg.OnSpec != "" {
		if _, err := s.cron.AddFunc(cfg.OnSpec, s.PowerOn); err != nil {
			return nil, fmt.Errorf("invalid power-on schedule %q: %w", cfg.OnSpec, err)
		}
	}
	if cfg.OffSpec != "" {
		if _, err := s.cron.AddFunc(cfg.OffSpec, s.PowerOff); err != nil {
			return nil, fmt.Errorf("invalid power-off schedule %q: %w", cfg.OffSpec, err)
		}
	}
	return s, nil
}

// PowerOn switches every channel on
func (s *Schedule) PowerOn() {
	s.logger.Info("Scheduled power on")
	s.report(s.coord.ToggleAll(true, nil))
}

// PowerOff switches every channel off except devices that are still printing
func (s *Schedule) PowerOff() {
	s.logger.Info("Scheduled power off")
	s.report(s.coord.ToggleAll(false, s.busy))
}

func (s *Schedule) report(results []Result) {
	failed := 0
	for _, r := range results {
		if !r.Success && r.Error != "skipped" {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn(fmt.Sprintf("Scheduled power run finished with %d failed channel(s)", failed))
	}
}

// Start runs the schedule in the background
func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running job to finish or ctx to end
func (s *Schedule) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next on and off fire times
func (s *Schedule) Next() []time.Time {
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}
