package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size wraps an int64 byte quantity so tunables can be written and read
// as "64Mi", "1Gi", etc. rather than bare integers.
type Size int64

// Unit constants recognized by ParseSize.
const (
	Unit Size = 1
	Ki   Size = 1 << 10
	Mi   Size = 1 << 20
	Gi   Size = 1 << 30
)

// String renders the largest aligned unit that evenly divides the size.
func (s Size) String() string {
	if s == 0 {
		return "0"
	}
	switch {
	case s.IsAligned(Gi):
		return fmt.Sprintf("%dGi", s.Units(Gi))
	case s.IsAligned(Mi):
		return fmt.Sprintf("%dMi", s.Units(Mi))
	case s.IsAligned(Ki):
		return fmt.Sprintf("%dKi", s.Units(Ki))
	default:
		return strconv.FormatInt(int64(s), 10)
	}
}

func (s Size) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Size) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses a byte quantity with an optional k/ki/m/mi/g/gi suffix
// (case-insensitive). A bare integer is bytes.
func ParseSize(s string) (Size, error) {
	original := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}

	var mult Size = Unit
	for _, suf := range []string{"gi", "g", "mi", "m", "ki", "k"} {
		if strings.HasSuffix(s, suf) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suf))
			switch suf[0] {
			case 'g':
				mult = Gi
			case 'm':
				mult = Mi
			case 'k':
				mult = Ki
			}
			break
		}
	}

	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parsing size %q: %w", original, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: parsing size %q: negative sizes are not allowed", original)
	}
	return Size(n) * mult, nil
}

// Units returns how many whole units this size spans.
func (s Size) Units(unit Size) int64 {
	return int64(math.Abs(float64(s) / float64(unit)))
}

// IsAligned reports whether s is an exact multiple of unit.
func (s Size) IsAligned(unit Size) bool {
	return unit != 0 && s%unit == 0 && s != 0
}
