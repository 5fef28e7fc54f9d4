package planner

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultWindow is used when the query names no time range.
	DefaultWindow = time.Hour
	maxWindow     = 30 * 24 * time.Hour
)

var windowPattern = regexp.MustCompile(`(?i)(\d+)\s*(minutes|minute|mins|min|m|hours|hour|hrs|hr|h|days|day|d|weeks|week|w|минут[аы]?|мин|часа|часов|час|ч|дней|дня|день|недел[ьию]|недели)(?:[^\p{L}]|$)`)

var windowPhrases = []struct {
	phrase string
	window time.Duration
}{
	{"last week", 7 * 24 * time.Hour},
	{"past week", 7 * 24 * time.Hour},
	{"yesterday", 24 * time.Hour},
	{"today", 24 * time.Hour},
	{"last day", 24 * time.Hour},
	{"last hour", time.Hour},
	{"за неделю", 7 * 24 * time.Hour},
	{"за сутки", 24 * time.Hour},
	{"за день", 24 * time.Hour},
	{"вчера", 24 * time.Hour},
	{"сегодня", 24 * time.Hour},
	{"за час", time.Hour},
}

// DetectWindow extracts the lookback window named in query, e.g. "24h",
// "last 30 minutes", "за 2 часа", "last week". The result is capped at 30
// days.
func DetectWindow(query string) time.Duration {
	if m := windowPattern.FindStringSubmatch(query); m != nil {
		if unit := unitOf(strings.ToLower(m[2])); unit > 0 {
			n, err := strconv.ParseInt(m[1], 10, 64)
			switch {
			case errors.Is(err, strconv.ErrRange):
				return maxWindow
			case err == nil && n > 0:
				return scaleWindow(n, unit)
			}
		}
	}

	lq := strings.ToLower(query)
	for _, p := range windowPhrases {
		if strings.Contains(lq, p.phrase) {
			return p.window
		}
	}
	return DefaultWindow
}

func unitOf(u string) time.Duration {
	switch {
	case u == "m" || strings.HasPrefix(u, "min") || strings.HasPrefix(u, "мин"):
		return time.Minute
	case u == "h" || strings.HasPrefix(u, "h") || strings.HasPrefix(u, "час") || u == "ч":
		return time.Hour
	case u == "d" || strings.HasPrefix(u, "day") || strings.HasPrefix(u, "д"):
		return 24 * time.Hour
	case u == "w" || strings.HasPrefix(u, "week") || strings.HasPrefix(u, "недел"):
		return 7 * 24 * time.Hour
	}
	return 0
}

// scaleWindow returns n units capped at maxWindow. The count is checked
// before multiplying so large values cannot wrap.
func scaleWindow(n int64, unit time.Duration) time.Duration {
	if n > int64(maxWindow/unit) {
		return maxWindow
	}
	return time.Duration(n) * unit
}
