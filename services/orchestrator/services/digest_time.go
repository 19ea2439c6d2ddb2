// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"time"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// ShouldSendNow reports whether prefs schedule a digest for the given
// instant. The instant is converted into the user's timezone before the
// weekday and hour comparison; an unknown timezone falls back to UTC.
// PreferredDay counts Monday=0..Sunday=6, so Go's Sunday-based weekday
// is shifted before comparing.
func ShouldSendNow(prefs *datatypes.EmailPreferences, now time.Time) bool {
	if !prefs.WeeklyDigestEnabled {
		return false
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	weekday := (int(local.Weekday()) + 6) % 7
	return weekday == prefs.PreferredDay && local.Hour() == prefs.PreferredHour
}

// WeekStart returns the Monday 00:00 UTC boundary of the week containing
// the given instant. This is the digest idempotency key.
func WeekStart(now time.Time) time.Time {
	utc := now.UTC()
	daysSinceMonday := (int(utc.Weekday()) + 6) % 7
	monday := utc.AddDate(0, 0, -daysSinceMonday)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
