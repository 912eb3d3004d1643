package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/internal/resultfile"
	"github.com/mirakim/forgeplan/pkg/action"
)

// RunChild is the body of the re-exec'd "__worker-exec" subcommand: the
// child side of one forked action. It flushes stdout, performs the
// action inside a recover trap, writes the result record, and exits. It
// never returns control to its caller. Once the result record is written
// the child calls exit(0) whatever the action's outcome, because the
// coordinator distinguishes success from failure by the result file's
// contents, not the exit code; it exits 1 only when the record cannot be
// written.
func RunChild(ctx context.Context, op action.Kind, component action.Component, resultFile string, performer build.Performer) {
	_ = os.Stdout.Sync()

	rec := runPerform(ctx, op, component, performer)
	if err := resultfile.Write(resultFile, rec); err != nil {
		// The result file itself could not be written; there is nothing
		// left to communicate to the coordinator except a nonzero exit,
		// which the reap path treats as a crash with no result file.
		os.Exit(1)
	}
	os.Exit(0)
}

func runPerform(ctx context.Context, op action.Kind, component action.Component, performer build.Performer) (rec resultfile.Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = resultfile.Record{Condition: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := performer.Perform(ctx, op, component); err != nil {
		return resultfile.Record{Condition: err.Error()}
	}
	return resultfile.Record{Result: "ok"}
}
