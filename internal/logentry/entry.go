// Package logentry defines the immutable log record that flows from the
// engine through the buffer and writer into the retention store.
package logentry

import "time"

// Entry is one accepted log event. Entries are built by the engine after
// filtering and are never mutated afterwards.
type Entry struct {
	Priority  string `json:"priority"`
	Tag       string `json:"tag"` // "" when the caller gave no tag
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// Time returns CreatedAt as a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.CreatedAt)
}
