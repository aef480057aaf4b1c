package mapper

import (
	"testing"
	"time"

	"github.com/taskshoot/calsync/pkg/model"
	"google.golang.org/api/calendar/v3"
)

var defaultPatterns = []string{"birthday", "holiday", "(recurring)"}

func testTask() *model.Task {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	return &model.Task{
		ID:               "12345678-1234-1234-1234-123456789012",
		OwnerID:          "owner-1",
		Title:            "Prepare quarterly review",
		Description:      "Slides and numbers",
		Status:           model.StatusInProgress,
		Priority:         model.PriorityHigh,
		StartDate:        &start,
		DueDate:          &due,
		EstimatedMinutes: 90,
		CategoryID:       "cat-7",
		UpdatedAt:        time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC),
	}
}

func TestTaskToEvent(t *testing.T) {
	m := New(defaultPatterns)
	task := testTask()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	event, err := m.TaskToEvent(task, now)
	if err != nil {
		t.Fatalf("TaskToEvent failed: %v", err)
	}

	if event.Summary != task.Title {
		t.Errorf("Summary = %q, want %q", event.Summary, task.Title)
	}
	if event.ColorId != "6" {
		t.Errorf("ColorId = %q, want %q for high priority", event.ColorId, "6")
	}
	if event.ExtendedProperties == nil || event.ExtendedProperties.Private == nil {
		t.Fatal("ExtendedProperties or Private map is nil")
	}
	props := event.ExtendedProperties.Private
	if props[PropertyTaskID] != task.ID {
		t.Errorf("task id property = %q, want %q", props[PropertyTaskID], task.ID)
	}
	if props[PropertySource] != "taskshoot" {
		t.Errorf("source property = %q, want taskshoot", props[PropertySource])
	}
	if event.Start.DateTime == "" || event.End.DateTime == "" {
		t.Error("expected timed event, got all-day fields")
	}
}

func TestTaskToEvent_DefaultsWhenNoDates(t *testing.T) {
	m := New(defaultPatterns)
	task := testTask()
	task.StartDate = nil
	task.DueDate = nil
	now := time.Date(2026, 3, 1, 14, 15, 0, 0, time.UTC)

	event, err := m.TaskToEvent(task, now)
	if err != nil {
		t.Fatalf("TaskToEvent failed: %v", err)
	}
	start, _ := time.Parse(time.RFC3339, event.Start.DateTime)
	end, _ := time.Parse(time.RFC3339, event.End.DateTime)
	if !start.Equal(now) {
		t.Errorf("start = %s, want now %s", start, now)
	}
	if end.Sub(start) != 2*time.Hour {
		t.Errorf("span = %s, want 2h default", end.Sub(start))
	}
}

func TestRoundTrip_SourceMarked(t *testing.T) {
	m := New(defaultPatterns)
	task := testTask()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	event, err := m.TaskToEvent(task, now)
	if err != nil {
		t.Fatalf("TaskToEvent failed: %v", err)
	}
	draft, err := m.EventToTask(event)
	if err != nil {
		t.Fatalf("EventToTask failed: %v", err)
	}

	if draft.Title != task.Title {
		t.Errorf("Title = %q, want %q", draft.Title, task.Title)
	}
	if draft.Priority != task.Priority {
		t.Errorf("Priority = %q, want %q", draft.Priority, task.Priority)
	}
	if draft.Status != task.Status {
		t.Errorf("Status = %q, want %q", draft.Status, task.Status)
	}
	if draft.EstimatedMinutes != task.EstimatedMinutes {
		t.Errorf("EstimatedMinutes = %d, want %d", draft.EstimatedMinutes, task.EstimatedMinutes)
	}
	if draft.CategoryID != task.CategoryID {
		t.Errorf("CategoryID = %q, want %q", draft.CategoryID, task.CategoryID)
	}
	if draft.Description != task.Description {
		t.Errorf("Description = %q, want %q", draft.Description, task.Description)
	}
}

func TestRoundTrip_AllDay(t *testing.T) {
	m := New(defaultPatterns)
	task := testTask()
	start := time.Date(2026, 4, 10, 0, 0, 0, 0, time.Local)
	due := start.Add(24 * time.Hour)
	task.StartDate = &start
	task.DueDate = &due

	event, err := m.TaskToEvent(task, start)
	if err != nil {
		t.Fatalf("TaskToEvent failed: %v", err)
	}
	if event.Start.Date == "" || event.Start.DateTime != "" {
		t.Fatalf("expected all-day start, got Date=%q DateTime=%q", event.Start.Date, event.Start.DateTime)
	}
	if event.Start.Date != "2026-04-10" || event.End.Date != "2026-04-11" {
		t.Errorf("all-day dates = %q..%q, want 2026-04-10..2026-04-11", event.Start.Date, event.End.Date)
	}

	draft, err := m.EventToTask(event)
	if err != nil {
		t.Fatalf("EventToTask failed: %v", err)
	}
	if !draft.AllDay {
		t.Error("expected AllDay draft")
	}
	if draft.StartDate == nil || !draft.StartDate.Equal(start) {
		t.Errorf("StartDate = %v, want %v", draft.StartDate, start)
	}

	// All-day must survive a second conversion unchanged.
	again, err := m.TaskToEvent(&model.Task{
		ID: task.ID, OwnerID: task.OwnerID, Title: task.Title,
		Status: task.Status, Priority: task.Priority,
		StartDate: draft.StartDate, DueDate: draft.DueDate,
		UpdatedAt: task.UpdatedAt,
	}, start)
	if err != nil {
		t.Fatalf("second TaskToEvent failed: %v", err)
	}
	if again.Start.Date != event.Start.Date || again.End.Date != event.End.Date {
		t.Errorf("all-day did not round trip: %q..%q vs %q..%q",
			again.Start.Date, again.End.Date, event.Start.Date, event.End.Date)
	}
}

func TestAllDayDetection_MisalignedSpan(t *testing.T) {
	// 24h but starting mid-day is not all-day.
	if isAllDaySpan(
		time.Date(2026, 4, 10, 9, 0, 0, 0, time.Local),
		time.Date(2026, 4, 11, 9, 0, 0, 0, time.Local)) {
		t.Error("mid-day 24h span detected as all-day")
	}
	if isAllDaySpan(
		time.Date(2026, 4, 10, 0, 0, 0, 0, time.Local),
		time.Date(2026, 4, 10, 23, 0, 0, 0, time.Local)) {
		t.Error("23h span detected as all-day")
	}
	if !isAllDaySpan(
		time.Date(2026, 4, 10, 0, 0, 0, 0, time.Local),
		time.Date(2026, 4, 12, 0, 0, 0, 0, time.Local)) {
		t.Error("48h midnight-aligned span not detected as all-day")
	}
}

func TestAllDayDetection_DSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	// Spring forward: this midnight-to-midnight day is only 23 wall hours.
	start := time.Date(2026, 3, 8, 0, 0, 0, 0, loc)
	end := time.Date(2026, 3, 9, 0, 0, 0, 0, loc)
	if end.Sub(start) == 24*time.Hour {
		t.Fatal("fixture does not cross a DST transition")
	}
	if !isAllDaySpan(start, end) {
		t.Error("whole day across the spring-forward transition not detected as all-day")
	}

	// Fall back: 25 wall hours, still one calendar day.
	start = time.Date(2026, 11, 1, 0, 0, 0, 0, loc)
	end = time.Date(2026, 11, 2, 0, 0, 0, 0, loc)
	if !isAllDaySpan(start, end) {
		t.Error("whole day across the fall-back transition not detected as all-day")
	}
}

func TestEventToTask_InferredFields(t *testing.T) {
	m := New(defaultPatterns)
	event := &calendar.Event{
		Id:      "evt-1",
		Summary: "URGENT: fix the deploy",
		Start:   &calendar.EventDateTime{DateTime: "2026-03-01T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-03-01T09:05:00Z"},
	}
	draft, err := m.EventToTask(event)
	if err != nil {
		t.Fatalf("EventToTask failed: %v", err)
	}
	if draft.Priority != model.PriorityUrgent {
		t.Errorf("Priority = %q, want urgent from title keyword", draft.Priority)
	}
	if draft.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending default", draft.Status)
	}
	if draft.EstimatedMinutes != 15 {
		t.Errorf("EstimatedMinutes = %d, want clamp to 15", draft.EstimatedMinutes)
	}
}

func TestEventToTask_JapaneseUrgentKeyword(t *testing.T) {
	m := New(defaultPatterns)
	draft, err := m.EventToTask(&calendar.Event{
		Summary: "緊急対応ミーティング",
		Start:   &calendar.EventDateTime{DateTime: "2026-03-01T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-03-01T10:00:00Z"},
	})
	if err != nil {
		t.Fatalf("EventToTask failed: %v", err)
	}
	if draft.Priority != model.PriorityUrgent {
		t.Errorf("Priority = %q, want urgent", draft.Priority)
	}
}

func TestEventToTask_ColorInference(t *testing.T) {
	m := New(defaultPatterns)
	draft, err := m.EventToTask(&calendar.Event{
		Summary: "Weekly planning",
		ColorId: "11",
		Start:   &calendar.EventDateTime{DateTime: "2026-03-01T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-03-02T15:00:00Z"},
	})
	if err != nil {
		t.Fatalf("EventToTask failed: %v", err)
	}
	if draft.Priority != model.PriorityUrgent {
		t.Errorf("Priority = %q, want urgent from color 11", draft.Priority)
	}
	if draft.EstimatedMinutes != 1440 {
		t.Errorf("EstimatedMinutes = %d, want clamp to 1440", draft.EstimatedMinutes)
	}
}

func TestShouldExcludeFromSync(t *testing.T) {
	m := New(defaultPatterns)
	cases := []struct {
		name    string
		event   *calendar.Event
		exclude bool
	}{
		{"recurring noise", &calendar.Event{Summary: "Team Standup (recurring)"}, true},
		{"birthday", &calendar.Event{Summary: "Mom's Birthday"}, true},
		{"cancelled", &calendar.Event{Summary: "Planning", Status: "cancelled"}, true},
		{"private", &calendar.Event{Summary: "Planning", Visibility: "private"}, true},
		{"normal", &calendar.Event{Summary: "Planning session"}, false},
		{"nil", nil, true},
	}
	for _, tc := range cases {
		if got := m.ShouldExcludeFromSync(tc.event); got != tc.exclude {
			t.Errorf("%s: ShouldExcludeFromSync = %v, want %v", tc.name, got, tc.exclude)
		}
	}
}

func TestStripMetadataBlock(t *testing.T) {
	desc := "Real notes here\n\n" + metaDelimiter + "\npriority: high\n"
	if got := StripMetadataBlock(desc); got != "Real notes here" {
		t.Errorf("StripMetadataBlock = %q", got)
	}
	if got := StripMetadataBlock("no block at all"); got != "no block at all" {
		t.Errorf("StripMetadataBlock without block = %q", got)
	}
}

func TestParseSourceMarker_Foreign(t *testing.T) {
	if _, ok := ParseSourceMarker(&calendar.Event{Summary: "plain"}); ok {
		t.Error("marker parsed from event without extended properties")
	}
	ev := &calendar.Event{ExtendedProperties: &calendar.EventExtendedProperties{
		Private: map[string]string{"other_app": "yes"},
	}}
	if _, ok := ParseSourceMarker(ev); ok {
		t.Error("marker parsed from foreign extended properties")
	}
}
