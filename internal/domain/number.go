package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const numberDigits = 13

// NewNumber builds a protocol number: the year, the last six digits of the
// millisecond clock and three random digits. rnd must return a value in [0,n).
func NewNumber(now time.Time, rnd func(n int) int) string {
	ms := now.UnixMilli() % 1_000_000
	return fmt.Sprintf("%04d%06d%03d", now.Year(), ms, rnd(1000))
}

// FormatNumber renders a 13 digit number as YYYY.XXXXXX.XXX.
func FormatNumber(n string) string {
	n = NormalizeNumber(n)
	if len(n) != numberDigits {
		return n
	}
	return n[:4] + "." + n[4:10] + "." + n[10:]
}

// NormalizeNumber strips the display separators.
func NormalizeNumber(n string) string {
	return strings.NewReplacer(".", "", "-", "", " ", "").Replace(strings.TrimSpace(n))
}

// ValidNumber accepts either form; the year must fall between 2020 and next year.
func ValidNumber(n string, now time.Time) bool {
	n = NormalizeNumber(n)
	if len(n) != numberDigits {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	year, err := strconv.Atoi(n[:4])
	if err != nil {
		return false
	}
	return year >= 2020 && year <= now.Year()+1
}
