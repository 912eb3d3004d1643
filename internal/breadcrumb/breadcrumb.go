// Package breadcrumb implements an append-only record/replay log: one
// line per successfully performed action, in the shape
// `(<kind-tag> <path-component>*)`, behind a leading `;; Breadcrumbs`
// header line.
package breadcrumb

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mirakim/forgeplan/pkg/action"
)

const header = ";; Breadcrumbs"

// Recorder appends one line per successful perform call and flushes
// after every write, so a crash mid-build leaves a replayable prefix.
type Recorder struct {
	file *os.File
	w    *bufio.Writer
}

// NewRecorder opens (truncating) path and writes the header line. If
// path is empty, recording is disabled and Record becomes a no-op.
func NewRecorder(path string) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open breadcrumb file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(header + "\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write breadcrumb header: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flush breadcrumb header: %w", err)
	}
	return &Recorder{file: f, w: w}, nil
}

// Record appends one line for a successfully performed action and
// flushes immediately. A nil Recorder (no breadcrumb path configured)
// makes this a no-op, so callers do not need to branch on whether
// recording is enabled.
func (r *Recorder) Record(key action.Key) error {
	if r == nil {
		return nil
	}
	reified := action.Reify(key)
	line := "(" + reified.KindTag
	for _, segment := range reified.Path {
		line += " " + segment
	}
	line += ")\n"

	if _, err := r.w.WriteString(line); err != nil {
		return err
	}
	return r.w.Flush()
}

// Close closes the underlying file. A nil Recorder is a no-op.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.file.Close()
}

// Read parses a breadcrumb file into the ordered sequence of action keys
// it recorded, for the replay driver to hand to the scheduler as a
// synthetic plan (file order, no traversal).
func Read(path string) ([]action.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open breadcrumb file: %w", err)
	}
	defer f.Close()

	var keys []action.Key
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if line == header {
				continue
			}
		}
		key, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("breadcrumb file %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read breadcrumb file: %w", err)
	}
	return keys, nil
}

func parseLine(line string) (action.Key, error) {
	if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
		return action.Key{}, fmt.Errorf("malformed record: %q", line)
	}
	fields := strings.Fields(line[1 : len(line)-1])
	if len(fields) == 0 {
		return action.Key{}, fmt.Errorf("empty record: %q", line)
	}
	return action.FromReified(fields[0], fields[1:]), nil
}
