package window

import (
	"time"

	"momentwatch/internal/types"
)

// Resolver derives the life-cycle instance of a normalized record.
// Location is the observer's timezone; nil means time.Local.
type Resolver struct {
	Location *time.Location
}

// NewResolver returns a Resolver for the given observer location.
func NewResolver(loc *time.Location) Resolver {
	return Resolver{Location: loc}
}

func (r Resolver) location() *time.Location {
	if r.Location == nil {
		return time.Local
	}
	return r.Location
}

// Resolve returns the instance for rec as observed at now.
//
// A record with a parse error resolves to error. A record missing the start,
// end or local anchor resolves to absent. Otherwise the first matching rule
// wins:
//  1. the observer's local date is after the anchor's local date: waiting
//  2. start <= current <= end: now
//  3. current < start: waiting
//  4. current > end: past
//
// Rule 1 comes first because start/end alone cannot tell "today's window
// closed" from "today's window was never posted" once the local day has
// rolled over past the anchor's day.
func (r Resolver) Resolve(rec types.NormalizedRecord, now time.Time) types.Instance {
	if rec.ParseError != "" {
		return types.InstanceError
	}
	if rec.StartMillis == nil || rec.EndMillis == nil || rec.LocalAnchorMillis == nil {
		return types.InstanceAbsent
	}

	loc := r.location()
	start, end := *rec.StartMillis, *rec.EndMillis

	current := now.UnixMilli()
	if rec.CurrentUTCMillis != nil {
		current = *rec.CurrentUTCMillis
	}

	today := now.In(loc)
	anchorDay := time.UnixMilli(*rec.LocalAnchorMillis).In(loc)

	switch {
	case calendarDayAfter(today, anchorDay):
		return types.InstanceWaiting
	case start <= current && current <= end:
		return types.InstanceNow
	case current < start:
		return types.InstanceWaiting
	default:
		return types.InstancePast
	}
}

// Evaluate normalizes raw and resolves the result in one step.
func (r Resolver) Evaluate(raw types.RawWindowPayload, now time.Time) types.ResolvedState {
	rec := Normalize(raw, now, r.location())
	return types.ResolvedState{
		Instance: r.Resolve(rec, now),
		Record:   rec,
	}
}

// calendarDayAfter reports whether a's calendar date is strictly after b's,
// comparing the dates in each value's own location.
func calendarDayAfter(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}
