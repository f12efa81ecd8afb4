// Package bytesize parses and formats human-readable byte sizes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

var units = map[string]int64{
	"":   B,
	"B":  B,
	"KB": KB,
	"K":  KB,
	"MB": MB,
	"M":  MB,
	"GB": GB,
	"G":  GB,
	"TB": TB,
	"T":  TB,
}

// Parse converts a size string like "64KB", "1.5MB" or "4096" into bytes.
// Units are case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		i--
	}
	num := strings.TrimSpace(s[:i])
	unit := strings.ToUpper(strings.TrimSpace(s[i:]))
	mult, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", num)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative size not allowed: %v", value)
	}
	return int64(value * float64(mult)), nil
}

// Format renders n with the largest unit that divides it cleanly enough to
// keep one decimal.
func Format(n int64) string {
	switch {
	case n >= TB:
		return trim(float64(n)/float64(TB)) + "TB"
	case n >= GB:
		return trim(float64(n)/float64(GB)) + "GB"
	case n >= MB:
		return trim(float64(n)/float64(MB)) + "MB"
	case n >= KB:
		return trim(float64(n)/float64(KB)) + "KB"
	}
	return strconv.FormatInt(n, 10) + "B"
}

func trim(v float64) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}
