package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fastjson"

	"github.com/ehrlich-b/historian"
)

// Recorder accepts log records. *historian.Engine implements it.
type Recorder interface {
	Record(level historian.Level, tag, message string) error
}

// IngestOptions configures the ingest command.
type IngestOptions struct {
	// Tag and Level apply to plain lines and to JSON objects that omit them.
	Tag   string
	Level historian.Level
	// JSON treats each line as an object with level, tag and message fields.
	JSON bool
}

// IngestResult counts what Ingest did with its input.
type IngestResult struct {
	Lines    int
	Recorded int
	Skipped  int // blank or malformed lines
}

// Ingest reads r line by line and records each line. Plain lines are
// recorded verbatim; JSON lines may carry their own level and tag.
func Ingest(ctx context.Context, r io.Reader, rec Recorder, opts IngestOptions) (IngestResult, error) {
	var res IngestResult
	var parser fastjson.Parser

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Lines++

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			res.Skipped++
			continue
		}

		level, tag, message := opts.Level, opts.Tag, line
		if opts.JSON {
			v, err := parser.Parse(line)
			if err != nil || v.Type() != fastjson.TypeObject {
				res.Skipped++
				continue
			}
			level, tag, message = fromJSON(v, opts)
			if message == "" {
				res.Skipped++
				continue
			}
		}

		if err := rec.Record(level, tag, message); err != nil {
			return res, fmt.Errorf("line %d: %w", res.Lines, err)
		}
		res.Recorded++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read input: %w", err)
	}
	return res, nil
}

// fromJSON extracts a record from an object. "level" may be a name or a
// platform priority number; "msg" is accepted for "message".
func fromJSON(v *fastjson.Value, opts IngestOptions) (historian.Level, string, string) {
	level := opts.Level
	lv := v.Get("level")
	if lv == nil {
		lv = v.Get("priority")
	}
	if lv != nil {
		switch lv.Type() {
		case fastjson.TypeNumber:
			level = historian.FromPriority(lv.GetInt())
		case fastjson.TypeString:
			if parsed, err := historian.ParseLevel(string(lv.GetStringBytes())); err == nil {
				level = parsed
			}
		}
	}

	tag := opts.Tag
	if v.Exists("tag") {
		tag = string(v.GetStringBytes("tag"))
	}

	message := string(v.GetStringBytes("message"))
	if message == "" {
		message = string(v.GetStringBytes("msg"))
	}
	return level, tag, message
}
