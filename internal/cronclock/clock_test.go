package cronclock

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTrigger(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 10, 10, 30, 15, 0, time.UTC)
	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{name: "hourly", expr: "0 * * * *", from: base, want: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)},
		{name: "every five minutes", expr: "*/5 * * * *", from: base, want: time.Date(2026, 3, 10, 10, 35, 0, 0, time.UTC)},
		{name: "nightly", expr: "0 2 * * *", from: base, want: time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)},
		{name: "exact boundary moves forward", expr: "0 * * * *", from: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), want: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		{name: "weekday", expr: "0 9 * * 1", from: base, want: time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{name: "descriptor", expr: "@daily", from: base, want: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTrigger(tt.expr, tt.from)
			if err != nil {
				t.Fatalf("NextTrigger(%q) error: %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextTrigger(%q) = %s, want %s", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNextTriggerAlwaysAfterFrom(t *testing.T) {
	t.Parallel()
	exprs := []string{"* * * * *", "0 * * * *", "30 4 1 * *", "15 14 * * 5", "0 0 29 2 *"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, expr := range exprs {
		cur := from
		for i := 0; i < 10; i++ {
			next, err := NextTrigger(expr, cur)
			if err != nil {
				t.Fatalf("NextTrigger(%q) error: %v", expr, err)
			}
			if !next.After(cur) {
				t.Fatalf("NextTrigger(%q, %s) = %s, not after reference", expr, cur, next)
			}
			// land exactly on the previous trigger; it must not be returned again
			cur = next
		}
	}
}

func TestNextTriggerInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *", "0 0 30 2 *"} {
		_, err := NextTrigger(expr, time.Now())
		if !errors.Is(err, ErrInvalidCronExpression) {
			t.Fatalf("NextTrigger(%q) err = %v, want ErrInvalidCronExpression", expr, err)
		}
	}
}

func TestNextTriggerOrFallback(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	got := NextTriggerOr("garbage", from, 0, zerolog.Nop())
	if want := from.Add(DefaultFallback); !got.Equal(want) {
		t.Fatalf("fallback = %s, want %s", got, want)
	}
	got = NextTriggerOr("garbage", from, 10*time.Minute, zerolog.Nop())
	if want := from.Add(10 * time.Minute); !got.Equal(want) {
		t.Fatalf("fallback = %s, want %s", got, want)
	}
	got = NextTriggerOr("0 * * * *", from, time.Minute, zerolog.Nop())
	if want := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("valid expr = %s, want %s", got, want)
	}
}
