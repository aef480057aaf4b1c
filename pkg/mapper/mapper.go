// Package mapper converts between local tasks and Google Calendar events.
// Everything here is pure: no I/O, deterministic given its inputs.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskshoot/calsync/pkg/model"
	"google.golang.org/api/calendar/v3"
)

// Private extended-property keys carried on every event this engine creates.
// Their presence (the source marker) is what makes an event recognizably
// ours; everything round-trips through them losslessly.
const (
	PropertySource     = "taskshoot_source"
	PropertyTaskID     = "taskshoot_task_id"
	PropertyPriority   = "taskshoot_priority"
	PropertyStatus     = "taskshoot_status"
	PropertyCategoryID = "taskshoot_category_id"
	PropertyEstimate   = "taskshoot_estimated_minutes"

	sourceMarkerValue = "taskshoot"
)

// metaDelimiter separates the task's own description from the structured
// block this engine appends. The reverse mapping strips everything from the
// delimiter on.
const metaDelimiter = "--- taskshoot ---"

const (
	defaultEventSpan = 2 * time.Hour
	minEstimate      = 15
	maxEstimate      = 1440
)

// priorityColors is the fixed priority -> Google color id table.
var priorityColors = map[string]string{
	model.PriorityLow:    "2",  // sage
	model.PriorityMedium: "5",  // banana
	model.PriorityHigh:   "6",  // tangerine
	model.PriorityUrgent: "11", // tomato
}

var colorPriorities = map[string]string{
	"2":  model.PriorityLow,
	"5":  model.PriorityMedium,
	"6":  model.PriorityHigh,
	"11": model.PriorityUrgent,
}

var urgentKeywords = []string{"urgent", "asap", "緊急", "至急"}
var highKeywords = []string{"important", "重要"}

// SourceMarker is the typed view of the extended-property bag on events the
// engine created. If present, external id <-> task id is a declared mapping
// and the embedded fields are authoritative on import.
type SourceMarker struct {
	TaskID           string
	Priority         string
	Status           string
	CategoryID       string
	EstimatedMinutes int
}

// ParseSourceMarker extracts the marker from an event, reporting whether the
// event carries one at all.
func ParseSourceMarker(event *calendar.Event) (*SourceMarker, bool) {
	if event == nil || event.ExtendedProperties == nil || event.ExtendedProperties.Private == nil {
		return nil, false
	}
	props := event.ExtendedProperties.Private
	if props[PropertySource] != sourceMarkerValue || props[PropertyTaskID] == "" {
		return nil, false
	}
	marker := &SourceMarker{
		TaskID:     props[PropertyTaskID],
		Priority:   props[PropertyPriority],
		Status:     props[PropertyStatus],
		CategoryID: props[PropertyCategoryID],
	}
	if est, err := strconv.Atoi(props[PropertyEstimate]); err == nil {
		marker.EstimatedMinutes = est
	}
	return marker, true
}

// Mapper applies the conversion rules. The exclusion patterns come from
// configuration; everything else is fixed.
type Mapper struct {
	excludePatterns []string
}

// New creates a Mapper with the given title exclusion patterns (matched
// case-insensitively as substrings).
func New(excludePatterns []string) *Mapper {
	lowered := make([]string, 0, len(excludePatterns))
	for _, p := range excludePatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Mapper{excludePatterns: lowered}
}

// TaskToEvent converts a task into the calendar event that should represent
// it. now supplies the fallback start for tasks with no dates.
func (m *Mapper) TaskToEvent(task *model.Task, now time.Time) (*calendar.Event, error) {
	if task == nil {
		return nil, fmt.Errorf("could not convert nil task")
	}

	start := now
	if task.StartDate != nil && !task.StartDate.IsZero() {
		start = *task.StartDate
	}
	end := start.Add(defaultEventSpan)
	if task.DueDate != nil && !task.DueDate.IsZero() {
		end = *task.DueDate
	}
	if !end.After(start) {
		end = start.Add(defaultEventSpan)
	}

	event := &calendar.Event{
		Summary:     task.Title,
		ColorId:     priorityColors[task.Priority],
		Description: buildDescription(task),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropertySource:     sourceMarkerValue,
				PropertyTaskID:     task.ID,
				PropertyPriority:   task.Priority,
				PropertyStatus:     task.Status,
				PropertyCategoryID: task.CategoryID,
				PropertyEstimate:   strconv.Itoa(task.EstimatedMinutes),
			},
		},
	}

	if isAllDaySpan(start, end) {
		event.Start = &calendar.EventDateTime{Date: start.Format("2006-01-02")}
		event.End = &calendar.EventDateTime{Date: end.Format("2006-01-02")}
	} else {
		event.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)}
		event.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)}
	}
	return event, nil
}

// isAllDaySpan reports whether [start, end) covers whole calendar days: both
// endpoints at midnight in their location, end after start. Wall-clock
// alignment, not absolute duration, so a day containing a DST transition
// still counts.
func isAllDaySpan(start, end time.Time) bool {
	return end.After(start) && atMidnight(start) && atMidnight(end)
}

func atMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

func buildDescription(task *model.Task) string {
	var b strings.Builder
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	b.WriteString(metaDelimiter)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("priority: %s\n", task.Priority))
	b.WriteString(fmt.Sprintf("status: %s\n", task.Status))
	if task.EstimatedMinutes > 0 {
		b.WriteString(fmt.Sprintf("estimate: %dm\n", task.EstimatedMinutes))
	}
	if task.CategoryID != "" {
		b.WriteString(fmt.Sprintf("category: %s\n", task.CategoryID))
	}
	return b.String()
}

// StripMetadataBlock removes the appended structured block from an event
// description, returning the task's own text.
func StripMetadataBlock(description string) string {
	idx := strings.Index(description, metaDelimiter)
	if idx < 0 {
		return strings.TrimSpace(description)
	}
	return strings.TrimSpace(description[:idx])
}

// EventToTask converts a fetched event into a task draft. Marker fields are
// authoritative when present; otherwise priority, status and estimate are
// inferred from what the event shows.
func (m *Mapper) EventToTask(event *calendar.Event) (*model.TaskDraft, error) {
	if event == nil {
		return nil, fmt.Errorf("could not convert nil event")
	}

	start, end, allDay, err := eventTimes(event)
	if err != nil {
		return nil, err
	}

	draft := &model.TaskDraft{
		Title:       event.Summary,
		Description: StripMetadataBlock(event.Description),
		Status:      model.StatusPending,
		Priority:    model.PriorityMedium,
		AllDay:      allDay,
	}
	if !start.IsZero() {
		s := start
		draft.StartDate = &s
	}
	if !end.IsZero() {
		e := end
		draft.DueDate = &e
	}

	if marker, ok := ParseSourceMarker(event); ok {
		if model.ValidPriority(marker.Priority) {
			draft.Priority = marker.Priority
		}
		if model.ValidStatus(marker.Status) {
			draft.Status = marker.Status
		}
		draft.CategoryID = marker.CategoryID
		draft.EstimatedMinutes = marker.EstimatedMinutes
		return draft, nil
	}

	draft.Priority = inferPriority(event)
	if !start.IsZero() && end.After(start) {
		draft.EstimatedMinutes = clampEstimate(int(end.Sub(start) / time.Minute))
	}
	return draft, nil
}

func inferPriority(event *calendar.Event) string {
	if p, ok := colorPriorities[event.ColorId]; ok && event.ColorId != "" {
		return p
	}
	title := strings.ToLower(event.Summary)
	for _, kw := range urgentKeywords {
		if strings.Contains(title, kw) {
			return model.PriorityUrgent
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(title, kw) {
			return model.PriorityHigh
		}
	}
	return model.PriorityMedium
}

func clampEstimate(minutes int) int {
	if minutes < minEstimate {
		return minEstimate
	}
	if minutes > maxEstimate {
		return maxEstimate
	}
	return minutes
}

func eventTimes(event *calendar.Event) (start, end time.Time, allDay bool, err error) {
	parse := func(edt *calendar.EventDateTime) (time.Time, bool, error) {
		if edt == nil {
			return time.Time{}, false, nil
		}
		if edt.Date != "" {
			t, err := time.ParseInLocation("2006-01-02", edt.Date, time.Local)
			return t, true, err
		}
		if edt.DateTime != "" {
			t, err := time.Parse(time.RFC3339, edt.DateTime)
			return t, false, err
		}
		return time.Time{}, false, nil
	}

	start, startAllDay, err := parse(event.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("invalid event start: %w", err)
	}
	end, _, err = parse(event.End)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("invalid event end: %w", err)
	}
	return start, end, startAllDay, nil
}

// ShouldExcludeFromSync reports whether an event must never be imported:
// provider-side cancellations, private events, and calendar noise matching
// the exclusion patterns.
func (m *Mapper) ShouldExcludeFromSync(event *calendar.Event) bool {
	if event == nil {
		return true
	}
	if event.Status == "cancelled" {
		return true
	}
	if event.Visibility == "private" {
		return true
	}
	title := strings.ToLower(event.Summary)
	for _, p := range m.excludePatterns {
		if strings.Contains(title, p) {
			return true
		}
	}
	return false
}
