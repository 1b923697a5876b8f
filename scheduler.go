package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ParseScheduleTime parses a daily run time. Accepts "HH:MM" and
// "HH:MM:SS", interpreted in local time.
func ParseScheduleTime(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse("15:04", s); err == nil {
		return t.Hour(), t.Minute(), nil
	}
	if t, err := time.Parse("15:04:05", s); err == nil {
		return t.Hour(), t.Minute(), nil
	}
	return 0, 0, fmt.Errorf("invalid schedule time '%s'. Use format: HH:MM (e.g., 12:00)", s)
}

// NextRun returns the next occurrence of hour:minute after now, today or
// tomorrow.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Scheduler runs a job once a day at a fixed local time until interrupted.
type Scheduler struct {
	hour   int
	minute int
	job    func()
	stop   chan struct{}
}

func NewScheduler(at string, job func()) (*Scheduler, error) {
	hour, minute, err := ParseScheduleTime(at)
	if err != nil {
		return nil, err
	}
	return &Scheduler{hour: hour, minute: minute, job: job, stop: make(chan struct{})}, nil
}

// Run blocks until SIGINT/SIGTERM or Stop. The job runs at the scheduled
// wall-clock time each day; a run that overlaps the next slot delays it.
func (s *Scheduler) Run() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		next := NextRun(time.Now(), s.hour, s.minute)
		wait := time.Until(next)
		log.Info().
			Str("next_run", next.Format("2006-01-02 15:04")).
			Str("in", formatDuration(wait)).
			Msg("scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			s.job()
		case <-sig:
			timer.Stop()
			log.Info().Msg("interrupted, shutting down")
			return
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dmin", m)
	}
	return fmt.Sprintf("%dh %dmin", h, m)
}
