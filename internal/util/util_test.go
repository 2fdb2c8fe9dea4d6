package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	bad := errors.New("unknown symbol")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(bad)
	})

	if !errors.Is(err, bad) || !errors.Is(err, ErrPermanent) {
		t.Fatalf("Retry error = %v, want wrapped permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}

	err = Retry(context.Background(), 5, 0, func() error {
		return fmt.Errorf("bad request: %w", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("wrapped sentinel not honoured: %v", err)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(60)
	if !rl.Allow() {
		t.Fatal("first Allow should succeed")
	}
	if rl.Allow() {
		t.Fatal("second immediate Allow should be limited")
	}

	burst := NewRateLimiterBurst(60, 3)
	for i := 0; i < 3; i++ {
		if !burst.Allow() {
			t.Fatalf("Allow %d within burst failed", i)
		}
	}

	unlimited := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero-rate limiter must never block")
		}
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("order placed", "symbol", "TCS")
	if !strings.Contains(buf.String(), `"symbol":"TCS"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "info", "text").Info("order placed", "symbol", "TCS")
	if !strings.Contains(buf.String(), "symbol=TCS") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}

func newIndiaCalendar(t *testing.T, enforce bool) *TradingCalendar {
	t.Helper()
	cal, err := NewTradingCalendar(CalendarConfig{
		Timezone: "Asia/Kolkata",
		Open:     "09:15",
		Close:    "15:30",
		Holidays: []string{"2025-03-14"},
		Enforce:  enforce,
	})
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	return cal
}

func TestTradingCalendarIsMarketOpen(t *testing.T) {
	cal := newIndiaCalendar(t, true)
	ist, _ := time.LoadLocation("Asia/Kolkata")

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday before open", time.Date(2025, 3, 10, 9, 14, 0, 0, ist), false},
		{"monday at open", time.Date(2025, 3, 10, 9, 15, 0, 0, ist), true},
		{"monday midday", time.Date(2025, 3, 10, 12, 0, 0, 0, ist), true},
		{"monday at close", time.Date(2025, 3, 10, 15, 30, 0, 0, ist), false},
		{"saturday", time.Date(2025, 3, 15, 11, 0, 0, 0, ist), false},
		{"holiday", time.Date(2025, 3, 14, 11, 0, 0, 0, ist), false},
		{"utc input", time.Date(2025, 3, 10, 5, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.IsMarketOpen(tt.at); got != tt.want {
				t.Errorf("IsMarketOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestTradingCalendarWindowGate(t *testing.T) {
	ist, _ := time.LoadLocation("Asia/Kolkata")
	sunday := time.Date(2025, 3, 16, 11, 0, 0, 0, ist)

	enforced := newIndiaCalendar(t, true)
	enforced.now = func() time.Time { return sunday }
	if enforced.IsTradingWindowOpen() {
		t.Error("enforced calendar should be closed on Sunday")
	}

	relaxed := newIndiaCalendar(t, false)
	relaxed.now = func() time.Time { return sunday }
	if !relaxed.IsTradingWindowOpen() {
		t.Error("calendar without enforcement should always be open")
	}
}

func TestTradingCalendarNextOpenClose(t *testing.T) {
	cal := newIndiaCalendar(t, true)
	ist, _ := time.LoadLocation("Asia/Kolkata")

	// Thursday evening before a Friday holiday: next open is Monday.
	thu := time.Date(2025, 3, 13, 16, 0, 0, 0, ist)
	want := time.Date(2025, 3, 17, 9, 15, 0, 0, ist)
	if got := cal.NextOpen(thu); !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}

	mid := time.Date(2025, 3, 10, 12, 0, 0, 0, ist)
	wantClose := time.Date(2025, 3, 10, 15, 30, 0, 0, ist)
	if got := cal.NextClose(mid); !got.Equal(wantClose) {
		t.Errorf("NextClose = %v, want %v", got, wantClose)
	}
}

func TestNewTradingCalendarInvalid(t *testing.T) {
	tests := []CalendarConfig{
		{Timezone: "Nowhere/City", Open: "09:00", Close: "10:00"},
		{Open: "9am", Close: "10:00"},
		{Open: "10:00", Close: "09:00"},
		{Open: "09:00", Close: "10:00", Holidays: []string{"14-03-2025"}},
	}
	for i, cfg := range tests {
		if _, err := NewTradingCalendar(cfg); err == nil {
			t.Errorf("case %d: expected error for %+v", i, cfg)
		}
	}
}
