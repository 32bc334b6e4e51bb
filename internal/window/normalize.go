// Package window derives the life-cycle state of the daily moment window from
// the moment API payload.
//
// Evaluation is split in two pure steps:
//   - Normalize converts the raw ISO-8601 and local date/time strings into epoch
//     milliseconds (UTC) and stamps the sampling instant.
//   - Resolver.Resolve compares the normalized record with the current instant,
//     both in UTC and on the observer's local calendar.
//
// Neither step performs I/O or reads ambient state; the observer's timezone is
// passed in explicitly.
package window

import (
	"fmt"
	"strings"
	"time"

	"momentwatch/internal/types"
)

// offsetLayouts accept timestamps that carry a UTC offset. Fractional seconds
// are accepted by time.Parse even when the layout omits them.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
	"20060102T150405Z07:00",
	"20060102T150405Z0700",
	"20060102T1504Z07:00",
	"20060102T1504Z0700",
}

// naiveLayouts accept timestamps without an offset; they are read in the
// observer's location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102T150405",
	"20060102T1504",
	"20060102",
}

// localTimeLayouts are the accepted shapes of the localTime field.
var localTimeLayouts = []string{
	"15:04",
	"15:04:05",
}

// Normalize converts a raw payload into a NormalizedRecord.
//
// A malformed startDate, endDate or local date/time aborts normalization: the
// returned record carries only ParseError. Absent fields are not errors; they
// leave the corresponding millisecond field nil. CurrentUTCMillis is stamped
// from now unless normalization aborted.
func Normalize(raw types.RawWindowPayload, now time.Time, loc *time.Location) types.NormalizedRecord {
	if loc == nil {
		loc = time.Local
	}

	var rec types.NormalizedRecord

	if raw.StartDate != nil {
		ms, err := parseISOMillis(*raw.StartDate, loc)
		if err != nil {
			return types.NormalizedRecord{ParseError: dateParseError("startDate", err)}
		}
		rec.StartMillis = &ms
	}

	if raw.EndDate != nil {
		ms, err := parseISOMillis(*raw.EndDate, loc)
		if err != nil {
			return types.NormalizedRecord{ParseError: dateParseError("endDate", err)}
		}
		rec.EndMillis = &ms
	}

	if raw.LocalDate != nil && raw.LocalTime != nil {
		ms, err := parseLocalAnchor(*raw.LocalDate, *raw.LocalTime, loc)
		if err != nil {
			return types.NormalizedRecord{ParseError: dateParseError("localDate/localTime", err)}
		}
		rec.LocalDate = *raw.LocalDate
		rec.LocalTime = *raw.LocalTime
		rec.LocalAnchorMillis = &ms
	}

	current := now.UnixMilli()
	rec.CurrentUTCMillis = &current

	return rec
}

// ParseErr returns the record's parse failure as an AppError, or nil when the
// record parsed cleanly.
func ParseErr(rec types.NormalizedRecord) *types.AppError {
	if rec.ParseError == "" {
		return nil
	}
	return types.NewAppError(types.ErrCodeValidationDateParse, rec.ParseError, nil)
}

// parseISOMillis parses an ISO-8601 timestamp. A trailing "Z" is the UTC
// designator and is read as "+00:00".
func parseISOMillis(value string, loc *time.Location) (int64, error) {
	s := strings.TrimSpace(value)
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid isoformat string: %q", value)
}

// parseLocalAnchor combines localDate and localTime into a naive datetime and
// reads it in loc.
func parseLocalAnchor(date, clock string, loc *time.Location) (int64, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), loc)
	if err != nil {
		return 0, fmt.Errorf("invalid local date: %q", date)
	}

	for _, layout := range localTimeLayouts {
		c, err := time.Parse(layout, strings.TrimSpace(clock))
		if err != nil {
			continue
		}
		anchor := time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc)
		return anchor.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid local time: %q", clock)
}

func dateParseError(field string, err error) string {
	return fmt.Sprintf("Date parse error: %s: %v", field, err)
}
