// Package timespec resolves structured time expressions into trigger instants.
//
// The core only ever sees the two shapes the intent parser can emit: an
// absolute instant or a relative offset from "now". Anything fancier
// (recurrence, fuzzy language) is decomposed by the caller before it
// reaches this package.
package timespec

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sendlater/internal/action"
)

// ExprKind describes the normalized kind of a time expression.
type ExprKind int

const (
	ExprNow ExprKind = iota
	ExprAbsolute
	ExprRelative
)

// Expr is a parsed time expression.
//
// Supported forms:
//   - "now"
//   - Absolute: RFC3339 ("2026-08-29T15:04:05Z"), or "HH:MM" meaning the
//     next occurrence of that wall-clock time (today, else tomorrow)
//   - Relative: "+2h", "+90m", or a bare Go duration "2h30m"
type Expr struct {
	Kind   ExprKind
	At     time.Time     // ExprAbsolute
	In     time.Duration // ExprRelative
	Source string        // "now" | "rfc3339" | "hhmm" | "duration"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// Parse normalizes a raw expression string into an Expr.
//
// HH:MM is resolved against now's location: it means the next time the
// wall clock reads HH:MM, so "08:00" entered at 09:00 targets tomorrow.
func Parse(raw string, now time.Time) (Expr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Expr{}, fmt.Errorf("%w: empty expression", action.ErrUnresolvableTime)
	}

	if strings.EqualFold(s, "now") {
		return Expr{Kind: ExprNow, Source: "now"}, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Expr{Kind: ExprAbsolute, At: t, Source: "rfc3339"}, nil
	}

	if m := reHHMM.FindStringSubmatch(s); len(m) == 3 {
		hh := int(m[1][0] - '0')
		if len(m[1]) == 2 {
			hh = hh*10 + int(m[1][1]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if hh > 23 || mm > 59 {
			return Expr{}, fmt.Errorf("%w: invalid clock time %q", action.ErrUnresolvableTime, raw)
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return Expr{Kind: ExprAbsolute, At: at, Source: "hhmm"}, nil
	}

	// Relative: "+2h" or a bare duration.
	ds := strings.TrimPrefix(s, "+")
	if d, err := time.ParseDuration(ds); err == nil {
		return Expr{Kind: ExprRelative, In: d, Source: "duration"}, nil
	}

	return Expr{}, fmt.Errorf(
		"%w: %q (use 'now', RFC3339, HH:MM, or an offset like '+2h')",
		action.ErrUnresolvableTime, raw,
	)
}

// Resolve turns an Expr into a concrete trigger instant.
//
// Rules:
//   - "now" resolves to now.
//   - A relative offset must be strictly positive.
//   - An absolute instant must not be before now (equal is allowed).
func Resolve(e Expr, now time.Time) (time.Time, error) {
	switch e.Kind {
	case ExprNow:
		return now, nil
	case ExprRelative:
		if e.In <= 0 {
			return time.Time{}, fmt.Errorf("%w: offset must be positive, got %s", action.ErrUnresolvableTime, e.In)
		}
		return now.Add(e.In), nil
	case ExprAbsolute:
		if e.At.Before(now) {
			return time.Time{}, fmt.Errorf("%w: %s is before %s", action.ErrPastTime,
				e.At.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		return e.At, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown expression kind", action.ErrUnresolvableTime)
	}
}

// ParseAndResolve is the intake helper: Parse followed by Resolve.
func ParseAndResolve(raw string, now time.Time) (time.Time, error) {
	e, err := Parse(raw, now)
	if err != nil {
		return time.Time{}, err
	}
	return Resolve(e, now)
}
