package types

import (
	"encoding/json"
	"time"
)

// Instance is the life-cycle state of the daily moment window as seen by a sensor.
type Instance string

const (
	InstanceNow     Instance = "now"
	InstanceWaiting Instance = "waiting"
	InstancePast    Instance = "past"
	InstanceAbsent  Instance = "absent"
	InstanceError   Instance = "error"
)

// Valid reports whether the instance is one of the known values.
func (i Instance) Valid() bool {
	switch i {
	case InstanceNow, InstanceWaiting, InstancePast, InstanceAbsent, InstanceError:
		return true
	}
	return false
}

// RawWindowPayload is the moment API response body as received. Every field is
// optional; a missing field is not an error.
type RawWindowPayload struct {
	StartDate *string `json:"startDate,omitempty"`
	EndDate   *string `json:"endDate,omitempty"`
	LocalDate *string `json:"localDate,omitempty"`
	LocalTime *string `json:"localTime,omitempty"`
}

// FetchResult carries a decoded payload together with the exact bytes the
// upstream returned, which are echoed to the host for diagnostics.
type FetchResult struct {
	Payload RawWindowPayload
	Raw     json.RawMessage
}

// NormalizedRecord is the payload converted to epoch milliseconds (UTC).
// Pointer fields are nil when the source field was absent. When ParseError is
// set the record carries nothing else.
type NormalizedRecord struct {
	StartMillis       *int64 `json:"startDate,omitempty"`
	EndMillis         *int64 `json:"endDate,omitempty"`
	LocalDate         string `json:"localDate,omitempty"`
	LocalTime         string `json:"localTime,omitempty"`
	LocalAnchorMillis *int64 `json:"localDateTime,omitempty"`
	CurrentUTCMillis  *int64 `json:"current_time_utc,omitempty"`
	ParseError        string `json:"error,omitempty"`
}

// ResolvedState is the outcome of one evaluation: the instance plus the record
// it was derived from.
type ResolvedState struct {
	Instance Instance         `json:"instance"`
	Record   NormalizedRecord `json:"record"`
}

// ReportAttributes mirrors the attribute set exposed to the host for display.
type ReportAttributes struct {
	APIParsed           *NormalizedRecord `json:"api_parsed"`
	APIRaw              string            `json:"api_raw"`
	CurrentTimeUTC      *int64            `json:"current_time_utc"`
	CurrentScanInterval int               `json:"current_scan_interval"`
}

// Report is what a sensor hands to its host after every cycle.
type Report struct {
	UniqueID   string           `json:"unique_id"`
	Name       string           `json:"name"`
	Region     string           `json:"region"`
	Value      Instance         `json:"value"`
	Attributes ReportAttributes `json:"attributes"`
	NextPollAt time.Time        `json:"next_poll_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// StateTransition is published whenever a sensor's reported instance changes.
type StateTransition struct {
	ID         string    `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Region     string    `json:"region"`
	From       Instance  `json:"from,omitempty"`
	To         Instance  `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}
