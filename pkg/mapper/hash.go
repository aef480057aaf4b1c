package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
)

// ContentHash fingerprints the user-visible fields of an event (title,
// start, end, location). Equal hashes mean a write would be a no-op. The
// hash is built from a fixed field order, so it cannot vary with map or
// struct layout in the underlying representation.
func ContentHash(event *calendar.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "title=%s\n", event.Summary)
	fmt.Fprintf(h, "start=%s\n", timeKey(event.Start))
	fmt.Fprintf(h, "end=%s\n", timeKey(event.End))
	fmt.Fprintf(h, "location=%s\n", event.Location)
	return hex.EncodeToString(h.Sum(nil))
}

// timeKey canonicalizes an event time so the same instant hashes the same
// regardless of the offset it was serialized with.
func timeKey(edt *calendar.EventDateTime) string {
	if edt == nil {
		return ""
	}
	if edt.Date != "" {
		return "d:" + edt.Date
	}
	if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
		return "t:" + t.UTC().Format(time.RFC3339)
	}
	return "t:" + edt.DateTime
}

// EventPatch compares an existing remote event against the target produced
// by TaskToEvent and returns a partial event carrying only the changed
// fields, or nil when nothing differs.
func EventPatch(existing, target *calendar.Event) *calendar.Event {
	patch := &calendar.Event{}
	changed := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		changed = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		changed = true
	}
	if existing.ColorId != target.ColorId {
		patch.ColorId = target.ColorId
		changed = true
	}
	if timeKey(existing.Start) != timeKey(target.Start) || timeKey(existing.End) != timeKey(target.End) {
		patch.Start = target.Start
		patch.End = target.End
		changed = true
	}
	if !samePrivateProperties(existing, target) {
		patch.ExtendedProperties = target.ExtendedProperties
		changed = true
	}

	if !changed {
		return nil
	}
	return patch
}

func samePrivateProperties(a, b *calendar.Event) bool {
	av := privateProperties(a)
	bv := privateProperties(b)
	if len(av) != len(bv) {
		return false
	}
	for k, v := range av {
		if bv[k] != v {
			return false
		}
	}
	return true
}

func privateProperties(ev *calendar.Event) map[string]string {
	if ev == nil || ev.ExtendedProperties == nil {
		return nil
	}
	return ev.ExtendedProperties.Private
}
