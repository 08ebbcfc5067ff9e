package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"callrouter/internal/config"
	"callrouter/internal/storage/sqlite"

	"github.com/robfig/cron/v3"
)

// Refresher reloads a cached view of provisioning data.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type StatsSource interface {
	ContainmentStats(ctx context.Context, since time.Time) (sqlite.ContainmentStats, error)
}

type Reporter interface {
	PostContainmentReport(ctx context.Context, stats sqlite.ContainmentStats, since, until time.Time) error
}

// Target is a named Refresher, named for logging.
type Target struct {
	Name      string
	Refresher Refresher
}

// RefreshResult counts which targets reloaded.
type RefreshResult struct {
	Refreshed []string
	Errors    []string
}

// RunRefresh reloads every target. One failing target does not stop the
// others; callers keep serving the previous snapshot for it.
func RunRefresh(ctx context.Context, targets []Target) RefreshResult {
	var result RefreshResult
	for _, t := range targets {
		if err := t.Refresher.Refresh(ctx); err != nil {
			log.Printf("refresh %s error: %v", t.Name, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", t.Name, err))
			continue
		}
		result.Refreshed = append(result.Refreshed, t.Name)
	}
	return result
}

func FormatRefreshSummary(r RefreshResult) string {
	if len(r.Errors) == 0 {
		return fmt.Sprintf("refreshed %s", strings.Join(r.Refreshed, ", "))
	}
	if len(r.Refreshed) == 0 {
		return fmt.Sprintf("all refreshes failed: %s", strings.Join(r.Errors, "; "))
	}
	return fmt.Sprintf("refreshed %s; failed %s", strings.Join(r.Refreshed, ", "), strings.Join(r.Errors, "; "))
}

// RunContainmentReport posts the containment stats for calls started in
// [since, until).
func RunContainmentReport(ctx context.Context, stats StatsSource, reporter Reporter, since, until time.Time) error {
	s, err := stats.ContainmentStats(ctx, since)
	if err != nil {
		return fmt.Errorf("load containment stats: %w", err)
	}
	log.Printf("containment report calls=%d contained=%d escalated=%d abandoned=%d rate=%.2f",
		s.TotalCalls, s.Contained, s.Escalated, s.Abandoned, s.ContainmentRate())
	if reporter == nil {
		return nil
	}
	return reporter.PostContainmentReport(ctx, s, since, until)
}

// StartRefreshScheduler runs every target (registry and flow reloads, the
// idle call sweep) on cfg.RefreshSchedule. An empty schedule disables it.
func StartRefreshScheduler(ctx context.Context, cfg config.Config, targets []Target) {
	schedule := strings.TrimSpace(cfg.RefreshSchedule)
	if schedule == "" {
		log.Println("Refresh disabled (refresh_schedule not set)")
		return
	}
	sched, err := config.ParseSchedule(schedule)
	if err != nil {
		log.Printf("Invalid refresh_schedule '%s': %v, refresh disabled", schedule, err)
		return
	}
	log.Printf("Refresh scheduled (cron: %s) for %d targets", schedule, len(targets))

	go loop(ctx, "refresh", sched, cfg.Location, func(now time.Time) {
		log.Printf("Refresh complete: %s", FormatRefreshSummary(RunRefresh(ctx, targets)))
	})
}

// StartContainmentReportScheduler posts the containment rate for the
// interval since the previous run on cfg.ContainmentReportSchedule.
func StartContainmentReportScheduler(ctx context.Context, cfg config.Config, stats StatsSource, reporter Reporter) {
	schedule := strings.TrimSpace(cfg.ContainmentReportSchedule)
	if schedule == "" {
		log.Println("Containment report disabled (containment_report_schedule not set)")
		return
	}
	sched, err := config.ParseSchedule(schedule)
	if err != nil {
		log.Printf("Invalid containment_report_schedule '%s': %v, report disabled", schedule, err)
		return
	}
	log.Printf("Containment report scheduled (cron: %s)", schedule)

	since := time.Now().In(location(cfg.Location))
	go loop(ctx, "containment report", sched, cfg.Location, func(now time.Time) {
		if err := RunContainmentReport(ctx, stats, reporter, since, now); err != nil {
			log.Printf("Containment report error: %v", err)
		}
		since = now
	})
}

func loop(ctx context.Context, name string, sched cron.Schedule, loc *time.Location, run func(now time.Time)) {
	loc = location(loc)
	for {
		now := time.Now().In(loc)
		next := sched.Next(now)
		wait := next.Sub(now)
		log.Printf("Next %s at %s (in %s)", name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("%s scheduler stopped", name)
			return
		case <-timer.C:
		}
		run(time.Now().In(loc))
	}
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
