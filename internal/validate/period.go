package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var periodRe = regexp.MustCompile(`^(\d{2})/(\d{4})$`)

const minPeriodYear = 2000

// ValidatePeriod checks a calendar period in MM/YYYY form. The month must be
// 01-12 and the period must be in the past or at most one month ahead of the
// current month. A bad period rejects the whole batch before admission.
func ValidatePeriod(period string, now time.Time) error {
	m := periodRe.FindStringSubmatch(period)
	if m == nil {
		return fmt.Errorf("period %q is not in MM/YYYY format", period)
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])

	if month < 1 || month > 12 {
		return fmt.Errorf("period %q has an invalid month", period)
	}
	if year < minPeriodYear || year > now.Year()+1 {
		return fmt.Errorf("period %q has an out-of-range year", period)
	}

	limit := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	asked := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	if asked.After(limit) {
		return fmt.Errorf("period %q is too far in the future", period)
	}
	return nil
}
