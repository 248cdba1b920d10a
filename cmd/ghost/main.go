package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/housecat-inc/ghost"
	"github.com/housecat-inc/ghost/pkg/logs"
	"github.com/housecat-inc/ghost/pkg/shell"
)

func main() {
	rt := logs.Default()
	slog.SetDefault(rt.Logger)

	cmd, err := ghost.Parse(os.Args[1:])
	var unknown *ghost.UnknownCommand
	switch {
	case errors.As(err, &unknown):
		fmt.Fprintln(os.Stderr, unknown.Error())
		os.Exit(1)
	case errors.Is(err, ghost.ErrUsage):
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, ghost.Usage)
		os.Exit(1)
	case err != nil:
		fail(rt, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = ghost.Run(ctx, ghost.DefaultConfig(rt), cmd)
	stop()
	if err != nil {
		fail(rt, err)
	}
}

// fail reports err and exits with the failed subprocess's code.
func fail(rt *logs.Runtime, err error) {
	os.Exit(report(rt.Logger, os.Stderr, err))
}

// report logs err on one line and prints whatever a failed subprocess
// printed. It returns the process exit code.
func report(log *slog.Logger, w io.Writer, err error) int {
	log.Error("ghost", "err", err.Error())
	var nz *shell.NonZeroExit
	if errors.As(err, &nz) {
		for _, out := range []string{nz.Stdout, nz.Stderr} {
			if s := strings.TrimSpace(out); s != "" {
				fmt.Fprintln(w, s)
			}
		}
	}
	if code := shell.ExitCode(err); code > 0 {
		return code
	}
	return 1
}
