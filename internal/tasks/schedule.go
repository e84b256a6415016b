// Package tasks is the scheduled task engine: schedule evaluation
// (cron, RRULE, one-shot), occurrence materialization, and the periodic
// dispatch tick.
package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/teambition/rrule-go"

	"github.com/jagc-sh/jagc/internal/store"
)

var (
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidRRule    = errors.New("invalid rrule expression")
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// ComputeNextCronOccurrence evaluates a 5-field cron expression in the
// given timezone and returns the first occurrence strictly after the
// reference time, in UTC. Day-of-month vs day-of-week follow the
// classic union rule.
func ComputeNextCronOccurrence(expr, tz string, after time.Time) (time.Time, error) {
	if !gronx.New().IsValid(expr) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCron, expr)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("evaluate cron %q: %w", expr, err)
	}
	return next.UTC(), nil
}

// ComputeNextRRuleOccurrence evaluates an RRULE (optionally preceded by
// a DTSTART line) and returns the first occurrence strictly after the
// reference time, in UTC. A nil result means the rule is exhausted.
func ComputeNextRRuleOccurrence(expr, tz string, after time.Time) (*time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}
	set, err := rrule.StrSliceToRRuleSetInLoc(strings.Split(normalizeRRule(expr), "\n"), loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRRule, err)
	}
	next := set.After(after.In(loc), false)
	if next.IsZero() {
		return nil, nil
	}
	utc := next.UTC()
	return &utc, nil
}

// normalizeRRule accepts both a bare rule body and a full
// DTSTART+RRULE block, with literal "\n" separators tolerated.
func normalizeRRule(expr string) string {
	expr = strings.ReplaceAll(expr, `\n`, "\n")
	expr = strings.TrimSpace(expr)
	if !strings.Contains(expr, "RRULE:") {
		expr = "RRULE:" + expr
	}
	return expr
}

// NextOccurrence computes the occurrence strictly after the reference
// time for a task's schedule. nil means the schedule is exhausted (a
// fired one-shot, an ended recurrence) and the task should disable.
func NextOccurrence(task *store.ScheduledTask, after time.Time) (*time.Time, error) {
	switch task.ScheduleKind {
	case store.ScheduleOnce:
		if task.OnceAt == nil {
			return nil, fmt.Errorf("%w: once schedule without once_at", ErrInvalidSchedule)
		}
		if task.OnceAt.After(after) {
			t := task.OnceAt.UTC()
			return &t, nil
		}
		return nil, nil
	case store.ScheduleCron:
		next, err := ComputeNextCronOccurrence(task.CronExpr, task.Timezone, after)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case store.ScheduleRRule:
		return ComputeNextRRuleOccurrence(task.RRuleExpr, task.Timezone, after)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, task.ScheduleKind)
	}
}

// ValidateSchedule checks a new task's schedule fields and computes its
// initial next_run_at.
func ValidateSchedule(kind store.ScheduleKind, onceAt *time.Time, cronExpr, rruleExpr, tz string, now time.Time) (*time.Time, error) {
	if _, err := loadLocation(tz); err != nil {
		return nil, err
	}
	probe := &store.ScheduledTask{
		ScheduleKind: kind,
		OnceAt:       onceAt,
		CronExpr:     cronExpr,
		RRuleExpr:    rruleExpr,
		Timezone:     tz,
	}
	switch kind {
	case store.ScheduleOnce:
		if onceAt == nil || !onceAt.After(now) {
			return nil, fmt.Errorf("%w: once_at must be in the future", ErrInvalidSchedule)
		}
	case store.ScheduleCron:
		if cronExpr == "" {
			return nil, fmt.Errorf("%w: cron schedule without cron_expr", ErrInvalidSchedule)
		}
	case store.ScheduleRRule:
		if rruleExpr == "" {
			return nil, fmt.Errorf("%w: rrule schedule without rrule_expr", ErrInvalidSchedule)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
	return NextOccurrence(probe, now)
}
