package retention

import (
	"fmt"
	"time"
)

// Window is a daily time range, given as an offset from local midnight and a
// length. A window may run past midnight.
type Window struct {
	Start  time.Duration
	Length time.Duration
}

// DefaultWindow opens at 23:00 for 30 minutes.
var DefaultWindow = Window{Start: 23 * time.Hour, Length: 30 * time.Minute}

// ParseWindow builds a Window from a "HH:MM" start and a length.
func ParseWindow(start string, length time.Duration) (Window, error) {
	t, err := time.Parse("15:04", start)
	if err != nil {
		return Window{}, fmt.Errorf("window start %q: want HH:MM", start)
	}
	w := Window{
		Start:  time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute,
		Length: length,
	}
	return w, w.validate()
}

func (w Window) validate() error {
	if w.Start < 0 || w.Start >= 24*time.Hour {
		return fmt.Errorf("window start %s out of range", w.Start)
	}
	if w.Length <= 0 || w.Length >= 24*time.Hour {
		return fmt.Errorf("window length %s must be between 0 and 24h", w.Length)
	}
	return nil
}

// Contains reports whether t falls inside the window in t's location. The
// window follows the wall clock, so DST transitions do not shift it.
func (w Window) Contains(t time.Time) bool {
	offset := clock(t)
	end := w.Start + w.Length
	if offset >= w.Start && offset < end {
		return true
	}
	// The part of yesterday's window that runs past midnight.
	return offset+24*time.Hour < end
}

func (w Window) String() string {
	h := w.Start / time.Hour
	m := (w.Start % time.Hour) / time.Minute
	return fmt.Sprintf("%02d:%02d+%s", h, m, w.Length)
}

// Cutoff returns local midnight, in loc, of the day days before now.
// Artifacts captured strictly before the cutoff are old enough to prune.
func Cutoff(now time.Time, days int, loc *time.Location) time.Time {
	return midnight(now.In(loc).AddDate(0, 0, -days))
}

// clock is the wall-clock time of day of t.
func clock(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
