// Package timeutil tracks the UTC reference injected by the host and turns
// receiver time-of-day values into full timestamps.
package timeutil

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"gnsshal/internal/fix"
)

// Injection is a UTC time handed to the driver by the host.
type Injection struct {
	Time fix.UTCTime
	// Reference is the host's monotonic reference (ms) at which Time was valid.
	Reference int64
	// Uncertainty in milliseconds.
	Uncertainty int
}

// Clock is safe for concurrent use.
type Clock struct {
	log *slog.Logger
	clk clock.Clock

	mu          sync.Mutex
	injected    bool
	utc         time.Time
	at          time.Time // local clock reading when utc was injected
	uncertainty int
}

func NewClock(logger *slog.Logger) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{log: logger, clk: clock.New()}
}

// Inject records a host-provided UTC time.
func (c *Clock) Inject(in Injection) {
	utc := in.Time.Time()
	c.mu.Lock()
	c.injected = true
	c.utc = utc
	c.at = c.clk.Now()
	c.uncertainty = in.Uncertainty
	c.mu.Unlock()

	c.log.Info("time injected",
		"time", Format(in.Time),
		"reference", in.Reference,
		"uncertainty_ms", in.Uncertainty,
		"now", Format(fix.FromTime(c.clk.Now())))
}

// Injected reports whether a time has been injected and its uncertainty.
func (c *Clock) Injected() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.injected, c.uncertainty
}

// Now is the injected UTC time advanced by the time elapsed since injection,
// or the system time when nothing was injected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if !c.injected {
		return now.UTC()
	}
	return c.utc.Add(now.Sub(c.at))
}

// Timestamp places a receiver time-of-day on the current UTC day. A
// time-of-day well ahead of the clock belongs to the previous day (the fix was
// computed just before midnight and we are reading it just after).
func (c *Clock) Timestamp(tod time.Duration) fix.UTCTime {
	now := c.Now()
	day := midnight(now)
	ts := day.Add(tod)
	if ts.Sub(now) > 12*time.Hour {
		ts = ts.Add(-24 * time.Hour)
	} else if now.Sub(ts) > 12*time.Hour {
		ts = ts.Add(24 * time.Hour)
	}
	return fix.FromTime(ts)
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseTimeOfDay parses an NMEA hhmmss[.sss] field.
func ParseTimeOfDay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return 0, fmt.Errorf("timeutil: short time of day %q", s)
	}
	hh, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[2:4])
	ss, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("timeutil: bad time of day %q", s)
	}
	if hh > 23 || mm > 59 || ss > 60 {
		return 0, fmt.Errorf("timeutil: time of day out of range %q", s)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
	if rest := s[6:]; rest != "" {
		if rest[0] != '.' {
			return 0, fmt.Errorf("timeutil: bad fraction in %q", s)
		}
		frac, err := strconv.ParseFloat("0"+rest, 64)
		if err != nil {
			return 0, fmt.Errorf("timeutil: bad fraction in %q", s)
		}
		d += time.Duration(frac * float64(time.Second)).Round(time.Millisecond)
	}
	return d, nil
}

// Format renders ts for logs.
func Format(ts fix.UTCTime) string {
	return ts.Time().Format("2006-01-02T15:04:05.000Z07:00")
}
