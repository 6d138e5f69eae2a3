package scheduler

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestExecuteAtWeekdayNextOccurrence(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// Wednesday 2024-01-10 10:00 EST
	now := time.Date(2024, 1, 10, 10, 0, 0, 0, ny)
	spec := Spec{ResumeWeekday: "Monday", ResumeTime: "09:00"}

	got, err := spec.ExecuteAt(now, ny)
	if err != nil {
		t.Fatalf("ExecuteAt: %v", err)
	}
	want := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC) // Monday 09:00 EST
	if !got.Equal(want) {
		t.Errorf("ExecuteAt = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("ExecuteAt should be UTC, got %v", got.Location())
	}
}

func TestExecuteAtWeekdayAcrossDSTChange(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// Wednesday 2024-03-06 (EST); DST starts Sunday 2024-03-10.
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, ny)
	spec := Spec{ResumeWeekday: "mon", ResumeTime: "09:00"}

	got, err := spec.ExecuteAt(now, ny)
	if err != nil {
		t.Fatalf("ExecuteAt: %v", err)
	}
	want := time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC) // 09:00 EDT
	if !got.Equal(want) {
		t.Errorf("ExecuteAt = %v, want %v", got, want)
	}
}

func TestExecuteAtSameWeekday(t *testing.T) {
	utc := time.UTC
	spec := Spec{ResumeWeekday: "monday", ResumeTime: "09:00"}

	before := time.Date(2024, 1, 15, 8, 0, 0, 0, utc) // Monday 08:00
	got, _ := spec.ExecuteAt(before, utc)
	if want := time.Date(2024, 1, 15, 9, 0, 0, 0, utc); !got.Equal(want) {
		t.Errorf("before the time: got %v, want %v", got, want)
	}

	after := time.Date(2024, 1, 15, 10, 0, 0, 0, utc) // Monday 10:00
	got, _ = spec.ExecuteAt(after, utc)
	if want := time.Date(2024, 1, 22, 9, 0, 0, 0, utc); !got.Equal(want) {
		t.Errorf("after the time: got %v, want %v", got, want)
	}

	exact := time.Date(2024, 1, 15, 9, 0, 0, 0, utc)
	got, _ = spec.ExecuteAt(exact, utc)
	if want := time.Date(2024, 1, 22, 9, 0, 0, 0, utc); !got.Equal(want) {
		t.Errorf("exactly at the time must roll forward: got %v, want %v", got, want)
	}
}

func TestExecuteAtDelays(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	now := time.Date(2024, 5, 1, 22, 30, 0, 0, tokyo)

	got, err := Spec{DelayHours: 3}.ExecuteAt(now, tokyo)
	if err != nil {
		t.Fatalf("delay hours: %v", err)
	}
	if want := now.Add(3 * time.Hour).UTC(); !got.Equal(want) {
		t.Errorf("delay hours: got %v, want %v", got, want)
	}

	got, err = Spec{DelayDays: 2, ResumeTime: "07:15"}.ExecuteAt(now, tokyo)
	if err != nil {
		t.Fatalf("delay days: %v", err)
	}
	if want := time.Date(2024, 5, 3, 7, 15, 0, 0, tokyo).UTC(); !got.Equal(want) {
		t.Errorf("delay days: got %v, want %v", got, want)
	}

	got, err = Spec{DelayDays: 1}.ExecuteAt(now, tokyo)
	if err != nil {
		t.Fatalf("delay days without time: %v", err)
	}
	if want := time.Date(2024, 5, 2, 22, 30, 0, 0, tokyo).UTC(); !got.Equal(want) {
		t.Errorf("delay days without time: got %v, want %v", got, want)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"hours", Spec{DelayHours: 1}, false},
		{"days and time", Spec{DelayDays: 1, ResumeTime: "09:30"}, false},
		{"weekday", Spec{ResumeWeekday: "fri", ResumeTime: "17:00", Timezone: "Europe/Berlin"}, false},
		{"empty", Spec{}, true},
		{"mixed", Spec{DelayHours: 1, DelayDays: 1}, true},
		{"weekday without time", Spec{ResumeWeekday: "fri"}, true},
		{"bad weekday", Spec{ResumeWeekday: "someday", ResumeTime: "09:00"}, true},
		{"bad clock", Spec{DelayDays: 1, ResumeTime: "25:00"}, true},
		{"bad timezone", Spec{DelayHours: 1, Timezone: "Mars/Olympus"}, true},
		{"negative", Spec{DelayHours: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
