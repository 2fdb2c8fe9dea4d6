package util

import (
	"fmt"
	"time"
)

// CalendarConfig describes a single daily trading session.
type CalendarConfig struct {
	Timezone string   // IANA name, e.g. "Asia/Kolkata"
	Open     string   // "HH:MM" local time
	Close    string   // "HH:MM" local time
	Holidays []string // "YYYY-MM-DD" local dates
	Enforce  bool     // when false the window is always open
}

// TradingCalendar provides market-hours awareness for one exchange session:
// weekdays between Open and Close, excluding holidays.
type TradingCalendar struct {
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	holidays map[string]struct{}
	enforce  bool
	now      func() time.Time
}

// NewTradingCalendar builds a TradingCalendar from cfg.
func NewTradingCalendar(cfg CalendarConfig) (*TradingCalendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("session close %s must be after open %s", cfg.Close, cfg.Open)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		holidays[h] = struct{}{}
	}

	return &TradingCalendar{
		loc:      loc,
		open:     open,
		close:    closeAt,
		holidays: holidays,
		enforce:  cfg.Enforce,
		now:      time.Now,
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsTradingWindowOpen reports whether orders may be placed right now.
func (tc *TradingCalendar) IsTradingWindowOpen() bool {
	if !tc.enforce {
		return true
	}
	return tc.IsMarketOpen(tc.now())
}

// IsMarketOpen returns whether the session is open at time t, regardless of
// whether enforcement is enabled.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	if !tc.isTradingDay(local) {
		return false
	}
	offset := local.Sub(midnight(local))
	return offset >= tc.open && offset < tc.close
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	day := midnight(local)
	for i := 0; i < 366; i++ {
		if tc.isTradingDay(day) {
			open := day.Add(tc.open)
			if !open.Before(local) {
				return open
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	day := midnight(local)
	for i := 0; i < 366; i++ {
		if tc.isTradingDay(day) {
			closeAt := day.Add(tc.close)
			if !closeAt.Before(local) {
				return closeAt
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func (tc *TradingCalendar) isTradingDay(local time.Time) bool {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := tc.holidays[local.Format("2006-01-02")]
	return !holiday
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
