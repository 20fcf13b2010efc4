// Package bucket defines the hourly bucket addressing shared by the
// fetch and sync pipelines.
package bucket

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidRange is returned when a range's start hour is after its end hour.
var ErrInvalidRange = errors.New("range start is after end")

const (
	// KeyLayout is the canonical form used in file and object names.
	KeyLayout = "2006-01-02_15"
	// StampLayout is the form used by the export API's start/end parameters.
	StampLayout = "20060102T15"
	// FileExt is the extension of hour data files, local and remote.
	FileExt = ".jsonl"
)

// Hour identifies one UTC hour bucket, counted in whole hours since the
// Unix epoch.
type Hour int64

// New truncates t to the UTC hour containing it.
func New(t time.Time) Hour {
	return Hour(t.UTC().Truncate(time.Hour).Unix() / 3600)
}

// Parse reads an hour in either the key form (2025-11-10_05) or the API
// stamp form (20251110T05). Hours must be zero-padded; the length check
// rejects unpadded values that time.Parse would otherwise accept.
func Parse(s string) (Hour, error) {
	for _, layout := range []string{KeyLayout, StampLayout} {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return New(t), nil
		}
	}
	return 0, fmt.Errorf("invalid hour %q: want YYYY-MM-DD_HH or YYYYMMDDTHH", s)
}

// Time returns the start of the bucket hour in UTC.
func (h Hour) Time() time.Time {
	return time.Unix(int64(h)*3600, 0).UTC()
}

// Key returns the key form, e.g. "2025-11-10_05".
func (h Hour) Key() string { return h.Time().Format(KeyLayout) }

// Stamp returns the API stamp form, e.g. "20251110T05".
func (h Hour) Stamp() string { return h.Time().Format(StampLayout) }

// Filename returns the data file name for h, e.g. "2025-11-10_05.jsonl".
// The same name is used locally and as the remote object key.
func (h Hour) Filename() string { return h.Key() + FileExt }

// ParseFilename reads the hour back out of a data file name. Names that
// are not hour data files are rejected.
func ParseFilename(name string) (Hour, error) {
	if !strings.HasSuffix(name, FileExt) {
		return 0, fmt.Errorf("not an hour data file: %q", name)
	}
	return Parse(strings.TrimSuffix(name, FileExt))
}

func (h Hour) String() string { return h.Key() }

// Range is an inclusive span of hour buckets.
type Range struct {
	Start Hour
	End   Hour
}

// NewRange builds an inclusive range. Instants are truncated by New
// before they reach here, so two times within the same hour form a
// valid single-bucket range.
func NewRange(start, end Hour) (Range, error) {
	if start > end {
		return Range{}, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, start, end)
	}
	return Range{Start: start, End: end}, nil
}

// Single returns the range covering exactly one bucket.
func Single(h Hour) Range {
	return Range{Start: h, End: h}
}

// DefaultRange is the window fetched when no explicit bounds are given:
// the end trails now by the availability lag, the start trails the end
// by the lookback.
func DefaultRange(now time.Time, lookback, lag time.Duration) Range {
	end := New(now.Add(-lag))
	start := New(now.Add(-lag).Add(-lookback))
	return Range{Start: start, End: end}
}

// Hours returns every bucket in the range in ascending order.
func (r Range) Hours() []Hour {
	hours := make([]Hour, 0, r.Len())
	for h := r.Start; h <= r.End; h++ {
		hours = append(hours, h)
	}
	return hours
}

// Len returns the number of buckets in the range.
func (r Range) Len() int {
	return int(r.End-r.Start) + 1
}

// Contains reports whether h falls inside the range.
func (r Range) Contains(h Hour) bool {
	return h >= r.Start && h <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%s..%s", r.Start, r.End)
}

// Set is an unordered collection of bucket hours.
type Set map[Hour]struct{}

// NewSet builds a set from the given hours.
func NewSet(hours ...Hour) Set {
	s := make(Set, len(hours))
	for _, h := range hours {
		s[h] = struct{}{}
	}
	return s
}

// Add inserts h into the set.
func (s Set) Add(h Hour) {
	s[h] = struct{}{}
}

// Contains reports whether h is in the set.
func (s Set) Contains(h Hour) bool {
	_, ok := s[h]
	return ok
}

// Diff returns the hours in s that are absent from other.
func (s Set) Diff(other Set) Set {
	out := make(Set)
	for h := range s {
		if !other.Contains(h) {
			out.Add(h)
		}
	}
	return out
}

// Intersect returns the hours present in both s and other.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for h := range s {
		if other.Contains(h) {
			out.Add(h)
		}
	}
	return out
}

// Sorted returns the set's hours in ascending order.
func (s Set) Sorted() []Hour {
	hours := make([]Hour, 0, len(s))
	for h := range s {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })
	return hours
}
