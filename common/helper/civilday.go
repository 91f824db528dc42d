// Package helper collects small time and formatting utilities shared
// across the store, registry, and selector packages.
package helper

import (
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/laiskygw/geminigw/common/config"
)

var (
	civilLocOnce sync.Once
	civilLoc     *time.Location
	civilLocErr  error
)

// CivilLocation returns the fixed timezone all daily quota resets are
// evaluated against (§6, default America/Los_Angeles). It is loaded once
// and cached; every caller observes the same *time.Location value.
func CivilLocation() (*time.Location, error) {
	civilLocOnce.Do(func() {
		civilLoc, civilLocErr = time.LoadLocation(config.CivilTimezone)
		if civilLocErr != nil {
			civilLocErr = errors.Wrapf(civilLocErr, "load civil timezone %q", config.CivilTimezone)
		}
	})
	return civilLoc, civilLocErr
}

// Today returns today's civil date as "2006-01-02" in the fixed civil
// timezone. This is the single clock-reading chokepoint: all quota/usage
// logic must call Today instead of reading time.Now directly (§9).
func Today() (string, error) {
	loc, err := CivilLocation()
	if err != nil {
		return "", err
	}
	return time.Now().In(loc).Format("2006-01-02"), nil
}

// GetTimestamp returns the current Unix timestamp in seconds.
func GetTimestamp() int64 {
	return time.Now().Unix()
}
