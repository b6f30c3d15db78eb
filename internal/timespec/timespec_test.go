package timespec

import (
	"errors"
	"testing"
	"time"

	"sendlater/internal/action"
)

var base = time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   ExprKind
		source string
		in     time.Duration
	}{
		{name: "now", raw: "now", kind: ExprNow, source: "now"},
		{name: "now upper", raw: " NOW ", kind: ExprNow, source: "now"},
		{name: "rfc3339", raw: "2026-08-29T15:00:00Z", kind: ExprAbsolute, source: "rfc3339"},
		{name: "hhmm", raw: "15:30", kind: ExprAbsolute, source: "hhmm"},
		{name: "plus offset", raw: "+2h", kind: ExprRelative, source: "duration", in: 2 * time.Hour},
		{name: "bare duration", raw: "90m", kind: ExprRelative, source: "duration", in: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, base)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == ExprRelative && got.In != tt.in {
				t.Fatalf("In = %v, want %v", got.In, tt.in)
			}
		})
	}
}

func TestParseHHMMRollsToTomorrow(t *testing.T) {
	t.Parallel()
	// 08:00 entered at 09:00 means tomorrow 08:00.
	e, err := Parse("08:00", base)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	if !e.At.Equal(want) {
		t.Fatalf("At = %v, want %v", e.At, want)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soonish", "25:00", "12:75"} {
		if _, err := Parse(raw, base); !errors.Is(err, action.ErrUnresolvableTime) {
			t.Errorf("Parse(%q) = %v, want ErrUnresolvableTime", raw, err)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	if got, err := ParseAndResolve("now", base); err != nil || !got.Equal(base) {
		t.Fatalf("resolve(now) = %v, %v", got, err)
	}
	if got, err := ParseAndResolve("+2h", base); err != nil || !got.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("resolve(+2h) = %v, %v", got, err)
	}

	past := base.Add(-time.Minute).Format(time.RFC3339)
	if _, err := ParseAndResolve(past, base); !errors.Is(err, action.ErrPastTime) {
		t.Fatalf("resolve(past) = %v, want ErrPastTime", err)
	}

	// Equal-to-now absolute is allowed.
	if got, err := ParseAndResolve(base.Format(time.RFC3339), base); err != nil || !got.Equal(base) {
		t.Fatalf("resolve(now as absolute) = %v, %v", got, err)
	}

	// Non-positive offsets are rejected as unresolvable, not past.
	if _, err := Resolve(Expr{Kind: ExprRelative, In: -time.Minute}, base); !errors.Is(err, action.ErrUnresolvableTime) {
		t.Fatalf("resolve(-1m) = %v, want ErrUnresolvableTime", err)
	}
	if _, err := Resolve(Expr{Kind: ExprRelative, In: 0}, base); !errors.Is(err, action.ErrUnresolvableTime) {
		t.Fatalf("resolve(0) = %v, want ErrUnresolvableTime", err)
	}
}
