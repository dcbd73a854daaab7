// Package cronclock computes trigger times for 5-field cron expressions.
//
// Everything here is pure: no I/O and no shared state beyond a read-only
// parse cache.
package cronclock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultFallback is the delay applied when an expression cannot be parsed.
const DefaultFallback = time.Hour

var ErrInvalidCronExpression = errors.New("invalid cron expression")

var parsed sync.Map // expr -> cron.Schedule

func parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := parsed.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCronExpression)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCronExpression, expr, err)
	}
	parsed.Store(expr, sched)
	return sched, nil
}

// Validate reports whether expr is a usable cron expression.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// NextTrigger returns the first trigger time strictly after from.
func NextTrigger(expr string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		// cron gives up after five years of search (e.g. "0 0 30 2 *").
		return time.Time{}, fmt.Errorf("%w %q: no trigger within search window", ErrInvalidCronExpression, expr)
	}
	return next, nil
}

// NextTriggerOr is NextTrigger for callers that must not fail: an invalid
// expression yields from+fallback and an error-level log entry.
func NextTriggerOr(expr string, from time.Time, fallback time.Duration, log zerolog.Logger) time.Time {
	next, err := NextTrigger(expr, from)
	if err == nil {
		return next
	}
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	next = from.Add(fallback)
	log.Error().Err(err).
		Str("cron_expr", expr).
		Dur("fallback", fallback).
		Time("next_run", next).
		Msg("invalid cron expression; using fallback schedule")
	return next
}
