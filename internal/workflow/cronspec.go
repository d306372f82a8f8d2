package workflow

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts exactly the 5 standard fields (minute precision)
// — no seconds field, no non-standard predefined schedules.
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// CronSpec is the cron-mode portion of a V3 Schedule, passed to
// ComputeNextCronAtMs independent of the wider Definition/Task shapes.
type CronSpec struct {
	Expr       string
	TZ         string
	StartAtMs  int64
	SkipMissed bool
}

// ComputeNextCronAtMs computes the next fire time strictly at-or-after
// max(nowMs, StartAtMs). SkipMissed is accepted but never
// consulted here — see the Open Question in DESIGN.md: the evaluator
// always returns the next tick from the current moment and never
// replays missed ticks, regardless of SkipMissed's value.
func ComputeNextCronAtMs(spec CronSpec, nowMs int64) (int64, error) {
	fields := strings.Fields(spec.Expr)
	if len(fields) != 5 {
		return 0, fmt.Errorf("%w: cron expression must have exactly 5 fields, got %d", ErrValidation, len(fields))
	}

	tzName := spec.TZ
	if tzName == "" {
		tzName = "UTC"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cron timezone %q: %v", ErrValidation, tzName, err)
	}

	schedule, err := cronParser.Parse(spec.Expr)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cron expression %q: %v", ErrValidation, spec.Expr, err)
	}

	baseMs := nowMs
	if spec.StartAtMs > baseMs {
		baseMs = spec.StartAtMs
	}

	// A minute boundary exactly equal to baseMs must be allowed to fire,
	// so query strictly-after (baseMs - 1ms) rather than baseMs itself.
	after := time.UnixMilli(baseMs - 1).In(loc)
	next := schedule.Next(after)
	return next.In(time.UTC).UnixMilli(), nil
}
