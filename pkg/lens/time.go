package lens

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type TimeParseArgs struct {
	Times  []string `json:"times"`
	Format string   `json:"format"`
}

var timeFormats = map[string]bool{"": true, "rfc3339": true, "unix": true, "human": true, "rfc1123": true, "date": true}

func (a *TimeParseArgs) Validate() error {
	if !timeFormats[strings.ToLower(a.Format)] {
		return errs.Validation("unknown format %q, expected one of rfc3339, unix, human, rfc1123, date", a.Format)
	}
	return nil
}

type TimeRecord struct {
	Input     string `json:"input" yaml:"input"`
	Unix      int64  `json:"unix" yaml:"unix"`
	RFC3339   string `json:"rfc3339" yaml:"rfc3339"`
	Human     string `json:"human" yaml:"human"`
	Formatted string `json:"formatted,omitempty" yaml:"formatted,omitempty"`
}

// TimeLens normalizes timestamps. It is pure: no cache, no network.
type TimeLens struct {
	*BP
	now func() time.Time
}

func NewTimeLens(logger *zap.Logger) *TimeLens {
	return &TimeLens{BP: NewBP("time", logger), now: time.Now}
}

func (l *TimeLens) Query(_ context.Context, args any, _ Sink) (any, error) {
	a, ok := args.(*TimeParseArgs)
	if !ok {
		return nil, l.unsupported(args)
	}
	now := l.now().UTC()
	inputs := a.Times
	if len(inputs) == 0 {
		inputs = []string{"now"}
	}
	out := make([]TimeRecord, 0, len(inputs))
	for _, in := range inputs {
		t, err := ParseTime(in, now)
		if err != nil {
			return nil, errs.Validation("%v", err)
		}
		r := TimeRecord{
			Input:   in,
			Unix:    t.Unix(),
			RFC3339: t.Format(time.RFC3339Nano),
			Human:   humanDuration(t.Sub(now)),
		}
		if len(a.Format) > 0 {
			r.Formatted = formatTime(t, now, strings.ToLower(a.Format))
		}
		out = append(out, r)
	}
	return out, nil
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts unix seconds or milliseconds, RFC 3339, RFC 1123, plain
// dates and date-times (taken as UTC) and "now".
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	if strings.EqualFold(s, "now") {
		return now, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// 13 or more digits are milliseconds.
		if n >= 1e12 || n <= -1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func formatTime(t, now time.Time, format string) string {
	switch format {
	case "unix":
		return strconv.FormatInt(t.Unix(), 10)
	case "human":
		return humanDuration(t.Sub(now))
	case "rfc1123":
		return t.Format(time.RFC1123)
	case "date":
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339Nano)
}

// humanDuration renders d relative to now, e.g. "3 days ago", "in 2 hours".
func humanDuration(d time.Duration) string {
	future := d > 0
	if d < 0 {
		d = -d
	}
	var n int64
	var unit string
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		n, unit = int64(d/time.Second), "second"
	case d < time.Hour:
		n, unit = int64(d/time.Minute), "minute"
	case d < 24*time.Hour:
		n, unit = int64(d/time.Hour), "hour"
	case d < 30*24*time.Hour:
		n, unit = int64(d/(24*time.Hour)), "day"
	case d < 365*24*time.Hour:
		n, unit = int64(d/(30*24*time.Hour)), "month"
	default:
		n, unit = int64(d/(365*24*time.Hour)), "year"
	}
	if n != 1 {
		unit += "s"
	}
	if future {
		return fmt.Sprintf("in %d %s", n, unit)
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}
