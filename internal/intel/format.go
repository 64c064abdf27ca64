package intel

import (
	"math"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	shortDateLayout   = "Jan 2, 2006"
	longDateLayout    = "January 2, 2006"
	unknownDateText   = "Unknown date"
	unavailableDate   = "N/A"
	followerCountVerb = "%d"
)

var followerCountPrinter = message.NewPrinter(language.English)

// FormatShortDate renders an instant as "Jan 2, 2006" in UTC.
func FormatShortDate(instant time.Time) string {
	if instant.IsZero() {
		return unknownDateText
	}
	return instant.UTC().Format(shortDateLayout)
}

// FormatLongDate renders an instant as "January 2, 2006" in UTC.
func FormatLongDate(instant time.Time) string {
	if instant.IsZero() {
		return unknownDateText
	}
	return instant.UTC().Format(longDateLayout)
}

// FormatFollowerCount renders a count with English thousands separators.
func FormatFollowerCount(count int64) string {
	return followerCountPrinter.Sprintf(followerCountVerb, count)
}

// roundHalfUp rounds .5 towards positive infinity.
func roundHalfUp(value float64) int64 {
	return int64(math.Floor(value + 0.5))
}

// elapsedDays floors the difference between two instants to whole days.
func elapsedDays(newer time.Time, older time.Time) int {
	return int(math.Floor(newer.Sub(older).Hours() / 24))
}
