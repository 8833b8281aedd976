package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that serializes as "HH:MM:SS.mmm". Hours grow
// beyond two digits when needed; sub-millisecond precision is truncated.
type Duration time.Duration

// String renders the wire form.
func (d Duration) String() string {
	return FormatDuration(time.Duration(d))
}

// MarshalJSON renders the wire form as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON parses the wire form.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("protocol: duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// FormatDuration renders d as "HH:MM:SS.mmm".
func FormatDuration(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Truncate(time.Millisecond)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%s%02d:%02d:%02d.%03d", sign, h, m, s, ms)
}

// ParseDuration parses the "HH:MM:SS.mmm" wire form. parse(format(d)) == d
// for every d at millisecond precision.
func ParseDuration(s string) (time.Duration, error) {
	in := s
	neg := strings.HasPrefix(in, "-")
	if neg {
		in = in[1:]
	}
	parts := strings.Split(in, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}
	secParts := strings.Split(parts[2], ".")
	if len(secParts) != 2 || len(secParts[1]) != 3 {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}
	h, err := parseDurationField(parts[0], 2)
	if err != nil {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}
	m, err := parseDurationField(parts[1], 2)
	if err != nil || m > 59 {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}
	sec, err := parseDurationField(secParts[0], 2)
	if err != nil || sec > 59 {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}
	ms, err := parseDurationField(secParts[1], 3)
	if err != nil {
		return 0, fmt.Errorf("protocol: malformed duration %q", s)
	}

	d := time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond
	if neg {
		d = -d
	}
	return d, nil
}

// parseDurationField parses a fixed-width decimal field. Hours may exceed the
// minimum width; everything else is exactly-width-checked by the caller's
// split.
func parseDurationField(s string, minWidth int) (int64, error) {
	if len(s) < minWidth {
		return 0, fmt.Errorf("field %q too short", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("field %q not numeric", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
