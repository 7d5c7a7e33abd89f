// Package archive exports retained entries as zstd-compressed NDJSON
// snapshots and uploads them to object storage or a local directory.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ehrlich-b/historian"
)

const (
	ContentType     = "application/x-ndjson"
	ContentEncoding = "zstd"
	extension       = ".ndjson.zst"
)

// ErrEmpty is returned by Snapshot when there is nothing to archive.
var ErrEmpty = errors.New("no entries to archive")

// Source yields the entries to archive, oldest first.
type Source interface {
	Entries(ctx context.Context, limit int) ([]historian.Entry, error)
}

// Uploader stores one snapshot object under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Result describes an uploaded snapshot.
type Result struct {
	Key     string
	Entries int
	Size    int // compressed bytes
}

// Key returns a unique object key of the form prefix/YYYY-MM-DD/<uuid>.ndjson.zst.
func Key(prefix string, at time.Time) string {
	return path.Join(prefix, at.UTC().Format("2006-01-02"), uuid.NewString()+extension)
}

// Encode writes entries to w as zstd-compressed NDJSON.
func Encode(w io.Writer, entries []historian.Entry) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	jw := json.NewEncoder(enc)
	for _, e := range entries {
		if err := jw.Encode(e); err != nil {
			enc.Close()
			return fmt.Errorf("encode entry %d: %w", e.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

// Decode reads a snapshot produced by Encode.
func Decode(r io.Reader) ([]historian.Entry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var entries []historian.Entry
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e historian.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return entries, nil
}

// Snapshot reads every retained entry from src, compresses it and uploads
// it under a fresh key.
func Snapshot(ctx context.Context, src Source, up Uploader, prefix string, now time.Time) (Result, error) {
	entries, err := src.Entries(ctx, 0)
	if err != nil {
		return Result{}, fmt.Errorf("read entries: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, ErrEmpty
	}

	var body bytes.Buffer
	if err := Encode(&body, entries); err != nil {
		return Result{}, err
	}

	key := Key(prefix, now)
	if err := up.Upload(ctx, key, body.Bytes()); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Result{Key: key, Entries: len(entries), Size: body.Len()}, nil
}
