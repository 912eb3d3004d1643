// Package resultfile encodes and decodes the one-way handoff record a
// worker writes for the coordinator to read after the worker process
// exits: `(:process-done [:result <opaque>] [:condition
// <string>])`.
//
// No serialization library in the example corpus produces this literal
// record shape (it mirrors a Lisp reader syntax, not JSON or YAML), so
// this package hand-rolls a minimal writer/reader for it rather than
// reaching for an ecosystem dependency that doesn't fit.
package resultfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mirakim/forgeplan/pkg/action"
)

// Record is the decoded shape of a result file.
type Record struct {
	Result string
	Condition string
}

// MalformedError marks a result file that was read successfully but whose
// contents do not match the `(:process-done...)` record shape, as opposed
// to a file that could not be read at all. Callers use errors.As to tell
// the two failure modes apart.
type MalformedError struct {
	msg string
}

func (e *MalformedError) Error() string { return e.msg }

// Path computes the canonical result-file path for (component, kind)
// under outputDir: "<outputDir>/<component-file-name>.<kind>.process-result".
func Path(outputDir string, component action.Component, kind action.Kind) string {
	name := strings.Join(component.Path, "_")
	if name == "" {
		name = "root"
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s.%s.process-result", name, kind))
}

// Write renders rec in the `(:process-done...)` record shape and writes
// it to path, via a temp file and rename so a reader never observes a
// partially written record.
func Write(path string, rec Record) error {
	var b strings.Builder
	b.WriteString("(:process-done")
	if rec.Result != "" {
		b.WriteString(" :result ")
		b.WriteString(strconv.Quote(rec.Result))
	}
	if rec.Condition != "" {
		b.WriteString(" :condition ")
		b.WriteString(strconv.Quote(rec.Condition))
	}
	b.WriteString(")\n")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.WriteString(b.String()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var recordPattern = regexp.MustCompile(`^\(:process-done(?:\s+:result\s+("(?:[^"\\]|\\.)*"))?(?:\s+:condition\s+("(?:[^"\\]|\\.)*"))?\)\s*$`)

// Read parses a result file. A missing file or a file that does not
// match the record shape both return an error; the caller (the worker
// pool's reap path) treats either as a worker crash.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	line := strings.TrimSpace(string(data))
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return Record{}, &MalformedError{msg: fmt.Sprintf("invalid result file %s: %q", path, line)}
	}
	rec := Record{}
	if m[1] != "" {
		result, err := strconv.Unquote(m[1])
		if err != nil {
			return Record{}, &MalformedError{msg: fmt.Sprintf("invalid result file %s: bad :result literal", path)}
		}
		rec.Result = result
	}
	if m[2] != "" {
		condition, err := strconv.Unquote(m[2])
		if err != nil {
			return Record{}, &MalformedError{msg: fmt.Sprintf("invalid result file %s: bad :condition literal", path)}
		}
		rec.Condition = condition
	}
	return rec, nil
}
