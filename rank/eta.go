package rank

import (
	"strconv"
	"strings"
)

// ParseEtaSeconds converts an offer's eta string ("5s", "2m", "1.5h",
// "500ms", bare "90") to seconds. The default unit is seconds. Anything
// unparseable returns 0, which ranking treats as "unknown, assume fastest".
func ParseEtaSeconds(eta string) float64 {
	s := strings.ToLower(strings.TrimSpace(eta))
	if s == "" {
		return 0
	}

	split := len(s)
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' {
			split = i
			break
		}
	}
	num := s[:split]
	unit := strings.TrimSpace(s[split:])

	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n < 0 {
		return 0
	}

	switch unit {
	case "ms":
		return n / 1000
	case "", "s", "sec", "secs":
		return n
	case "m", "min", "mins":
		return n * 60
	case "h", "hr", "hrs":
		return n * 3600
	}
	return 0
}
