package historian

import (
	"fmt"
	"strings"
)

// Level is the severity of a record. Levels are ordered; values outside
// LevelTrace..LevelFatal are kept as-is and stored as "UNKNOWN".
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Platform log priorities as used by android.util.Log and similar front-ends.
const (
	priorityVerbose = 2
	priorityAssert  = 7
)

// String returns the stored representation of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether l is one of the named levels.
func (l Level) Valid() bool {
	return l >= LevelTrace && l <= LevelFatal
}

// FromPriority maps a platform priority (VERBOSE=2 .. ASSERT=7) onto a Level.
// Anything else maps past LevelFatal and is stored as "UNKNOWN".
func FromPriority(p int) Level {
	if p < priorityVerbose || p > priorityAssert {
		return LevelFatal + 1
	}
	return Level(p - priorityVerbose)
}

// ParseLevel parses a level name, case-insensitively. VERBOSE and ASSERT are
// accepted as aliases of TRACE and FATAL.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "VERBOSE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL", "ASSERT":
		return LevelFatal, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
