// Package bytesize provides utilities for parsing and formatting byte sizes.
package bytesize

import (
	"fmt"
	"regexp"
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

// sizePattern matches size strings like "100MB", "1.5 GB", "10Gi" or "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "100MB", "1.5GB", or "1024" into bytes.
// Supported units: B, KB, MB, GB, TB and the Ki/Mi/Gi/Ti spellings (case-insensitive).
// If no unit is specified, bytes are assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI", "KIB":
		multiplier = KB
	case "MB", "M", "MI", "MIB":
		multiplier = MB
	case "GB", "G", "GI", "GIB":
		multiplier = GB
	case "TB", "T", "TI", "TIB":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
// Negative counts (shrinking folders) keep their sign.
func Format(bytes int64) string {
	if bytes < 0 {
		return "-" + Format(-bytes)
	}
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// FormatRate formats a transfer rate given in bytes per second.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return Format(int64(bytesPerSec)) + "/s"
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("10Gi", "500Mi", "1TB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		bytes, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(bytes)
		return nil
	}

	var i int64
	if err := unmarshal(&i); err == nil {
		if i < 0 {
			return fmt.Errorf("negative size not allowed: %d", i)
		}
		*s = Size(i)
		return nil
	}

	return fmt.Errorf("size must be a number or string with units (e.g., 10Gi, 500Mi)")
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
