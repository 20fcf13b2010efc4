package amplitude

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/lumehq/ampsync/internal/bucket"
	"github.com/lumehq/ampsync/internal/logging"
	"github.com/lumehq/ampsync/internal/metrics"
	"github.com/lumehq/ampsync/internal/stage"
)

// Export archives carry one JSON event per line; single events have
// been seen in the tens of megabytes.
const maxEventBytes = 16 << 20

// Fetcher downloads hour buckets and stages them locally.
type Fetcher struct {
	client *Client
	dir    *stage.Dir
	log    *slog.Logger
}

// NewFetcher binds a client to a staging directory.
func NewFetcher(client *Client, dir *stage.Dir) *Fetcher {
	return &Fetcher{
		client: client,
		dir:    dir,
		log:    logging.Component("amplitude"),
	}
}

// FetchHour downloads the export archive for h and stages its events.
func (f *Fetcher) FetchHour(ctx context.Context, h bucket.Hour) error {
	archive, err := f.client.Export(ctx, bucket.Single(h))
	if err != nil {
		return err
	}

	hours, events, err := ExtractHours(archive, bucket.Single(h), f.dir)
	if err != nil {
		return fmt.Errorf("extract export for %s: %w", h, err)
	}

	if m := metrics.Get(); m != nil {
		m.BucketsFetched.Add(float64(len(hours)))
		m.EventsStaged.Add(float64(events))
	}
	f.log.Info("staged hour bucket",
		"bucket", h.Key(),
		"hours_written", len(hours),
		"events", events)
	return nil
}

// ExtractHours unpacks an export archive into the staging directory and
// returns the staged hours and the number of event records written.
//
// The archive is a ZIP of gzip-compressed NDJSON members. Members are
// appended to their hour's file in archive order; several members may
// map to the same hour. Every hour in r is staged even when the archive
// carries no member for it, so an hour with zero events still
// materializes and is never fetched again. A member with a malformed
// name, bad compression, or an invalid event line fails the whole
// extraction without leaving partial files behind.
func ExtractHours(archive []byte, r bucket.Range, dir *stage.Dir) (bucket.Set, int64, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, 0, fmt.Errorf("open export archive: %w", err)
	}

	files := make(map[bucket.Hour]*stage.File)
	discardAll := func() {
		for _, f := range files {
			f.Discard()
		}
	}
	open := func(h bucket.Hour) (*stage.File, error) {
		if f, ok := files[h]; ok {
			return f, nil
		}
		f, err := dir.Create(h)
		if err != nil {
			return nil, err
		}
		files[h] = f
		return f, nil
	}

	var events int64
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}

		h, err := memberHour(member.Name)
		if err != nil {
			discardAll()
			return nil, 0, err
		}
		f, err := open(h)
		if err != nil {
			discardAll()
			return nil, 0, err
		}

		n, err := appendMember(member, f)
		if err != nil {
			discardAll()
			return nil, 0, fmt.Errorf("extract member %s: %w", member.Name, err)
		}
		events += n
	}

	for _, h := range r.Hours() {
		if _, ok := files[h]; !ok {
			if _, err := open(h); err != nil {
				discardAll()
				return nil, 0, err
			}
		}
	}

	hours := bucket.NewSet()
	var commitErr error
	for h, f := range files {
		if commitErr != nil {
			f.Discard()
			continue
		}
		if err := f.Commit(); err != nil {
			commitErr = err
			continue
		}
		hours.Add(h)
	}
	if commitErr != nil {
		return nil, 0, fmt.Errorf("commit staged hours: %w", commitErr)
	}
	return hours, events, nil
}

// memberHour recovers the hour bucket from a member name such as
// "187696_2021-11-02_7#205.json.gz": base name, drop the extension and
// the #hash, drop the numeric project ID, zero-pad the hour.
func memberHour(name string) (bucket.Hour, error) {
	stem, ok := strings.CutSuffix(path.Base(name), ".json.gz")
	if !ok {
		return 0, fmt.Errorf("unexpected member name %q", name)
	}
	if i := strings.IndexByte(stem, '#'); i >= 0 {
		stem = stem[:i]
	}
	if i := strings.IndexByte(stem, '_'); i >= 0 && allDigits(stem[:i]) {
		stem = stem[i+1:]
	}
	if i := strings.LastIndexByte(stem, '_'); i >= 0 && len(stem)-i-1 == 1 {
		stem = stem[:i+1] + "0" + stem[i+1:]
	}

	h, err := bucket.Parse(stem)
	if err != nil {
		return 0, fmt.Errorf("unexpected member name %q: %w", name, err)
	}
	return h, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// appendMember decompresses one archive member and appends its event
// lines to the staged file.
func appendMember(member *zip.File, f *stage.File) (int64, error) {
	rc, err := member.Open()
	if err != nil {
		return 0, fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return 0, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	var events int64
	var compact bytes.Buffer
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		// Compact works on the raw bytes, so 64-bit IDs survive
		// without a float64 round trip.
		compact.Reset()
		if err := json.Compact(&compact, line); err != nil {
			return events, fmt.Errorf("invalid event record: %w", err)
		}
		compact.WriteByte('\n')

		if _, err := f.Write(compact.Bytes()); err != nil {
			return events, err
		}
		events++
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
