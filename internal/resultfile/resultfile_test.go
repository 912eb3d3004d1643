package resultfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirakim/forgeplan/internal/resultfile"
	"github.com/mirakim/forgeplan/pkg/action"
)

func TestPathShape(t *testing.T) {
	p := resultfile.Path("/out", action.Component{Path: []string{"widgets", "core"}}, action.Compile)
	assert.Equal(t, filepath.Join("/out", "widgets_core.compile.process-result"), p)
}

func TestWriteReadRoundTripSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.compile.process-result")
	require.NoError(t, resultfile.Write(path, resultfile.Record{Result: "artifact-hash-123"}))

	rec, err := resultfile.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "artifact-hash-123", rec.Result)
	assert.Empty(t, rec.Condition)
}

func TestWriteReadRoundTripFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.compile.process-result")
	require.NoError(t, resultfile.Write(path, resultfile.Record{Condition: "compile error: unexpected token"}))

	rec, err := resultfile.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "compile error: unexpected token", rec.Condition)
	assert.Empty(t, rec.Result)
}

func TestReadMissingFileErrors(t *testing.T) {
	_, err := resultfile.Read(filepath.Join(t.TempDir(), "missing.process-result"))
	assert.Error(t, err)
}

func TestReadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.process-result")
	require.NoError(t, os.WriteFile(path, []byte("not a record at all\n"), 0o644))

	_, err := resultfile.Read(path)
	assert.Error(t, err)
}
