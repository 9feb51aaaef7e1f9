// Package schedule evaluates task schedules: one-shot instants, cron
// expressions, and iCalendar RRULEs, all timezone-aware.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/task/models"
)

// dtstartLayout is the local-time form used inside an injected DTSTART.
const dtstartLayout = "20060102T150405"

// Spec is the schedule slice of a task, enough to compute firings.
type Spec struct {
	Kind      models.ScheduleKind
	OnceAt    *time.Time
	CronExpr  string
	RRuleExpr string
	Timezone  string
}

// FromTask extracts the schedule spec from a task.
func FromTask(task *models.ScheduledTask) Spec {
	return Spec{
		Kind:      task.ScheduleKind,
		OnceAt:    task.OnceAt,
		CronExpr:  task.CronExpr,
		RRuleExpr: task.RRuleExpr,
		Timezone:  task.Timezone,
	}
}

// Location resolves the spec's IANA timezone, defaulting to UTC.
func (s Spec) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, apperr.Validation("invalid timezone %q", s.Timezone)
	}
	return loc, nil
}

// Validate checks that exactly the field matching the kind is populated and
// that the expression parses.
func (s Spec) Validate() error {
	if !s.Kind.Valid() {
		return apperr.Validation("invalid schedule kind %q", s.Kind)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	switch s.Kind {
	case models.ScheduleOnce:
		if s.OnceAt == nil {
			return apperr.Validation("once schedule requires a timestamp")
		}
		if s.CronExpr != "" || s.RRuleExpr != "" {
			return apperr.Validation("once schedule must not carry a cron or rrule expression")
		}
	case models.ScheduleCron:
		if s.CronExpr == "" {
			return apperr.Validation("cron schedule requires an expression")
		}
		if s.OnceAt != nil || s.RRuleExpr != "" {
			return apperr.Validation("cron schedule must not carry a timestamp or rrule expression")
		}
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return apperr.Validation("invalid cron expression %q: %v", s.CronExpr, err)
		}
	case models.ScheduleRRule:
		if s.RRuleExpr == "" {
			return apperr.Validation("rrule schedule requires an expression")
		}
		if s.OnceAt != nil || s.CronExpr != "" {
			return apperr.Validation("rrule schedule must not carry a timestamp or cron expression")
		}
		if _, err := rrule.StrToRRuleSet(s.RRuleExpr); err != nil {
			return apperr.Validation("invalid rrule %q: %v", s.RRuleExpr, err)
		}
	}
	return nil
}

// NormalizeRRule anchors a bare RRULE body with an explicit
// `DTSTART;TZID=<tz>:` line so evaluation is stable across restarts.
// Expressions that already carry a DTSTART pass through unchanged.
func NormalizeRRule(expr, timezone string, anchor time.Time) string {
	expr = strings.TrimSpace(expr)
	if strings.Contains(expr, "DTSTART") {
		return expr
	}
	if timezone == "" {
		timezone = "UTC"
	}
	rule := expr
	if !strings.HasPrefix(rule, "RRULE:") {
		rule = "RRULE:" + rule
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	dtstart := "DTSTART;TZID=" + timezone + ":" + anchor.In(loc).Format(dtstartLayout)
	return dtstart + "\n" + rule
}

// FirstRun computes the initial nextRunAt for a newly created or re-enabled
// task: the once instant itself, or the first cron/rrule firing after now.
func (s Spec) FirstRun(now time.Time) (*time.Time, error) {
	if s.Kind == models.ScheduleOnce {
		at := s.OnceAt.UTC()
		return &at, nil
	}
	return s.nextAfter(now)
}

// NextAfterOccurrence computes the follow-up state once an occurrence fires.
// The base is the current wall time, not the occurrence instant, so downtime
// never produces a back-fill storm. A once task disables itself; a recurring
// expression with no further firings does too.
func (s Spec) NextAfterOccurrence(now time.Time) (enabled bool, next *time.Time, err error) {
	if s.Kind == models.ScheduleOnce {
		return false, nil, nil
	}
	next, err = s.nextAfter(now)
	if err != nil {
		return false, nil, err
	}
	if next == nil {
		return false, nil, nil
	}
	return true, next, nil
}

func (s Spec) nextAfter(now time.Time) (*time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case models.ScheduleCron:
		parsed, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return nil, apperr.Validation("invalid cron expression %q: %v", s.CronExpr, err)
		}
		next := parsed.Next(now.In(loc)).UTC()
		return &next, nil
	case models.ScheduleRRule:
		set, err := rrule.StrToRRuleSet(s.RRuleExpr)
		if err != nil {
			return nil, apperr.Validation("invalid rrule %q: %v", s.RRuleExpr, err)
		}
		next := set.After(now.In(loc), false)
		if next.IsZero() {
			return nil, nil
		}
		utc := next.UTC()
		return &utc, nil
	default:
		return nil, apperr.Validation("schedule kind %q has no recurrence", s.Kind)
	}
}
