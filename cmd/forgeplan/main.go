package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mirakim/forgeplan/internal/cli"
)

// main is a deterministic boundary: Cobra's RunE functions return typed
// errors that this function alone translates into exit codes, so no
// package below this one calls os.Exit (except the re-exec'd worker
// child, which must).
func main() {
	root := cli.NewRootCommand()
	err := root.ExecuteContext(context.Background())
	if err == nil {
		os.Exit(cli.ExitSuccess)
	}

	var invErr *cli.InvocationError
	if errors.As(err, &invErr) {
		fmt.Fprintln(os.Stderr, invErr.Message)
		os.Exit(invErr.ExitCode)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(cli.ExitCodeFor(err))
}
