package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPeriod is returned for a period that is neither YYYYMM nor an
	// ISO date.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrMissingApplication is returned when no application id is given.
	ErrMissingApplication = errors.New("application id is required")
)

// IsInputError reports whether err was caused by caller input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrMissingApplication)
}

var periodLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01",
}

// Campaign periods outside these years are rejected as typos.
const (
	minPeriodYear = 2000
	maxPeriodYear = 2099
)

// NormalizePeriod converts YYYYMM or an ISO date/timestamp into YYYYMM.
func NormalizePeriod(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	layouts := periodLayouts
	if len(s) == 6 {
		if !allDigits(s) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
		}
		layouts = []string{"200601"}
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if y := t.Year(); y < minPeriodYear || y > maxPeriodYear {
			return "", fmt.Errorf("%w: year %d out of range in %q", ErrInvalidPeriod, y, raw)
		}
		return t.Format("200601"), nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// CampaignID derives the deterministic campaign id for a normalized period.
func CampaignID(period, applicationID string) string {
	return "UAR_" + period + "_" + applicationID
}
