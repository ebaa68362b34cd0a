package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockMinutes parses an "HH:MM" time-of-day string into minutes after
// midnight. Hours run 0-23 and minutes 0-59.
func ClockMinutes(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock time %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q: bad minute", s)
	}
	return h*60 + m, nil
}

// MinutesOfDay returns t's minutes after midnight in t's own location.
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
