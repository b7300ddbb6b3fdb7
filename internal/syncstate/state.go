// Package syncstate persists the per-layer synchronization state between passes
package syncstate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SyncType selects which parts of a layer are synchronized
type SyncType uint8

const SyncNone SyncType = 0

const (
	SyncAttributes SyncType = 1 << iota
	SyncGeometry
	SyncAttach

	SyncData = SyncAttributes | SyncGeometry
	SyncAll  = SyncData | SyncAttach
)

var syncTypeNames = []struct {
	bit  SyncType
	name string
}{
	{SyncAttributes, "attributes"},
	{SyncGeometry, "geometry"},
	{SyncAttach, "attach"},
}

func (t SyncType) String() string {
	switch t {
	case SyncNone:
		return "none"
	case SyncAll:
		return "all"
	case SyncData:
		return "data"
	}
	var parts []string
	for _, n := range syncTypeNames {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of o is set
func (t SyncType) Has(o SyncType) bool {
	return o != 0 && t&o == o
}

// ParseSyncType accepts "none", "data", "all" or names joined by '|' or ','
func ParseSyncType(s string) (SyncType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none":
		return SyncNone, nil
	case "all":
		return SyncAll, nil
	case "data":
		return SyncData, nil
	}
	var t SyncType
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		found := false
		for _, n := range syncTypeNames {
			if strings.TrimSpace(part) == n.name {
				t |= n.bit
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown sync type %q", part)
		}
	}
	return t, nil
}

// Direction selects the halves of a pass
type Direction uint8

const (
	ToServer Direction = 1 << iota
	FromServer

	Both = ToServer | FromServer
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "to_server"
	case FromServer:
		return "from_server"
	case Both:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// ParseDirection parses the names printed by String
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return Both, nil
	case "to_server", "push":
		return ToServer, nil
	case "from_server", "pull":
		return FromServer, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// State is what a layer remembers between passes
type State struct {
	SyncType SyncType
	// LastPull is the time captured before the last successful fetch,
	// zero before the first one
	LastPull time.Time
	// Notice is a user-visible message, set when sync was disabled
	Notice string
}

// Parse reads the key=value state format:
//
//	# featuresync layer state
//	syncType=all
//	lastPull=2024-01-15T12\:00\:00Z
//	notice=resource deleted on server
func Parse(r io.Reader) (*State, error) {
	state := &State{SyncType: SyncAll}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "syncType":
			t, err := ParseSyncType(value)
			if err != nil {
				return nil, err
			}
			state.SyncType = t

		case "lastPull":
			if value == "" {
				continue
			}
			value = strings.ReplaceAll(value, `\:`, ":")
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return nil, fmt.Errorf("invalid lastPull %q: %w", value, err)
			}
			state.LastPull = t

		case "notice":
			state.Notice = unescape(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	return state, nil
}

// Write writes the state in the format read by Parse
func Write(w io.Writer, s *State) error {
	var b strings.Builder
	b.WriteString("# featuresync layer state\n")
	fmt.Fprintf(&b, "syncType=%s\n", s.SyncType)
	if !s.LastPull.IsZero() {
		ts := s.LastPull.UTC().Format(time.RFC3339Nano)
		fmt.Fprintf(&b, "lastPull=%s\n", strings.ReplaceAll(ts, ":", `\:`))
	}
	if s.Notice != "" {
		fmt.Fprintf(&b, "notice=%s\n", escape(s.Notice))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

func unescape(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\n`, "\n").Replace(s)
}

// File is a state file on disk
type File struct {
	path string
}

// NewFile returns the state file at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location
func (f *File) Path() string { return f.path }

// Load reads the state; a missing file yields the defaults
func (f *File) Load() (*State, error) {
	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{SyncType: SyncAll}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Save replaces the state file through a temp file and rename
func (f *File) Save(s *State) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := f.path + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	if err := Write(fh, s); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
