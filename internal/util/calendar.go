package util

import "time"

// Standard monthly option contracts expire on the third Friday of the
// month; settlement uses the 4:00 PM ET close of that day.

// nyLocation is resolved once. Falls back to fixed UTC-5 if the tzdata
// is unavailable.
var nyLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}()

// ThirdFriday returns the third Friday of the given month at midnight
// in the New York time zone.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, nyLocation)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// NextMonthlyExpiration returns the first standard monthly expiration
// strictly after t.
func NextMonthlyExpiration(t time.Time) time.Time {
	exp := ThirdFriday(t.Year(), t.Month())
	if !MarketClose(exp).After(t) {
		next := t.AddDate(0, 1, 0)
		exp = ThirdFriday(next.Year(), next.Month())
	}
	return exp
}

// MarketClose returns 4:00 PM ET on the date of t.
func MarketClose(t time.Time) time.Time {
	ny := t.In(nyLocation)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, nyLocation)
}

// IsExpired reports whether an option expiring at expiration has passed
// its settlement time as of now.
func IsExpired(expiration, now time.Time) bool {
	return now.After(MarketClose(expiration))
}
