package bucket

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2025-11-10_05", "2025-11-10_05"},
		{"20251110T05", "2025-11-10_05"},
		{"2025-01-31_23", "2025-01-31_23"},
		{"20250131T00", "2025-01-31_00"},
	}

	for _, tt := range tests {
		h, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tt.in, err)
			continue
		}
		if h.Key() != tt.want {
			t.Errorf("Parse(%q).Key() = %s, want %s", tt.in, h.Key(), tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "2025-11-10", "20251110", "2025-11-10_5", "garbage", "2025-11-10T05"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestFilename(t *testing.T) {
	h, err := Parse("2025-11-10_05")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if h.Filename() != "2025-11-10_05.jsonl" {
		t.Errorf("Filename() = %s", h.Filename())
	}

	back, err := ParseFilename("2025-11-10_05.jsonl")
	if err != nil {
		t.Fatalf("ParseFilename failed: %v", err)
	}
	if back != h {
		t.Errorf("ParseFilename = %v, want %v", back, h)
	}

	for _, name := range []string{"2025-11-10_05", "2025-11-10_05.jsonl.tmp", "notes.jsonl", "x.txt"} {
		if _, err := ParseFilename(name); err == nil {
			t.Errorf("ParseFilename(%q) should fail", name)
		}
	}
}

func TestNewTruncates(t *testing.T) {
	instant := time.Date(2025, 11, 10, 5, 59, 58, 123, time.UTC)
	h := New(instant)
	if h.Key() != "2025-11-10_05" {
		t.Errorf("Key() = %s, want 2025-11-10_05", h.Key())
	}
	if h.Stamp() != "20251110T05" {
		t.Errorf("Stamp() = %s, want 20251110T05", h.Stamp())
	}
	if !h.Time().Equal(time.Date(2025, 11, 10, 5, 0, 0, 0, time.UTC)) {
		t.Errorf("Time() = %v, want start of hour", h.Time())
	}
}

func TestNewRange(t *testing.T) {
	start := New(time.Date(2025, 11, 10, 5, 0, 0, 0, time.UTC))
	end := New(time.Date(2025, 11, 10, 7, 0, 0, 0, time.UTC))

	r, err := NewRange(start, end)
	if err != nil {
		t.Fatalf("NewRange failed: %v", err)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	// Equal bounds are a single bucket.
	single, err := NewRange(start, start)
	if err != nil {
		t.Fatalf("NewRange(equal) failed: %v", err)
	}
	if single.Len() != 1 {
		t.Errorf("single Len() = %d, want 1", single.Len())
	}

	// Sub-hour components are truncated before comparison, so a later
	// minute in the same hour still forms a valid range.
	a := New(time.Date(2025, 11, 10, 5, 59, 0, 0, time.UTC))
	b := New(time.Date(2025, 11, 10, 5, 1, 0, 0, time.UTC))
	if _, err := NewRange(a, b); err != nil {
		t.Errorf("NewRange same hour failed: %v", err)
	}

	_, err = NewRange(end, start)
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("NewRange(end, start) = %v, want ErrInvalidRange", err)
	}
}

func TestRangeHours(t *testing.T) {
	start, _ := Parse("2025-11-09_22")
	end, _ := Parse("2025-11-10_01")
	r, err := NewRange(start, end)
	if err != nil {
		t.Fatalf("NewRange failed: %v", err)
	}

	want := []string{"2025-11-09_22", "2025-11-09_23", "2025-11-10_00", "2025-11-10_01"}
	hours := r.Hours()
	if len(hours) != len(want) {
		t.Fatalf("Hours() returned %d buckets, want %d", len(hours), len(want))
	}
	for i, h := range hours {
		if h.Key() != want[i] {
			t.Errorf("Hours()[%d] = %s, want %s", i, h.Key(), want[i])
		}
	}

	if !r.Contains(hours[1]) {
		t.Error("Contains should report member hour")
	}
	if r.Contains(end + 1) {
		t.Error("Contains should reject hour past end")
	}
}

func TestDefaultRange(t *testing.T) {
	now := time.Date(2025, 11, 10, 14, 35, 12, 0, time.UTC)
	r := DefaultRange(now, 24*time.Hour, 12*time.Hour)

	if r.End.Key() != "2025-11-10_02" {
		t.Errorf("End = %s, want 2025-11-10_02", r.End.Key())
	}
	if r.Start.Key() != "2025-11-09_02" {
		t.Errorf("Start = %s, want 2025-11-09_02", r.Start.Key())
	}
	if r.Len() != 25 {
		t.Errorf("Len() = %d, want 25", r.Len())
	}
}

func TestSetOps(t *testing.T) {
	h := func(s string) Hour {
		parsed, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s, err)
		}
		return parsed
	}

	local := NewSet(h("2025-11-10_00"), h("2025-11-10_01"), h("2025-11-10_02"))
	remote := NewSet(h("2025-11-10_01"), h("2025-11-10_03"))

	toUpload := local.Diff(remote)
	if len(toUpload) != 2 || !toUpload.Contains(h("2025-11-10_00")) || !toUpload.Contains(h("2025-11-10_02")) {
		t.Errorf("Diff = %v, want {00, 02}", toUpload.Sorted())
	}

	overlap := local.Intersect(remote)
	if len(overlap) != 1 || !overlap.Contains(h("2025-11-10_01")) {
		t.Errorf("Intersect = %v, want {01}", overlap.Sorted())
	}

	sorted := local.Sorted()
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1] >= sorted[i] {
			t.Errorf("Sorted() not ascending: %v", sorted)
		}
	}

	// Diff against an empty set returns everything.
	all := local.Diff(NewSet())
	if len(all) != len(local) {
		t.Errorf("Diff(empty) = %d hours, want %d", len(all), len(local))
	}
}
