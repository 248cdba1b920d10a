package logs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Runtime is built once per process and handed to every component.
type Runtime struct {
	Logger  *slog.Logger
	Out     io.Writer
	Started time.Time
}

func NewRuntime(out io.Writer, w io.Writer) *Runtime {
	started := time.Now()
	return &Runtime{
		Logger:  New(w, started),
		Out:     out,
		Started: started,
	}
}

func Default() *Runtime {
	return NewRuntime(os.Stdout, os.Stderr)
}

func (r *Runtime) Elapsed() string {
	return Elapsed(r.Started, time.Now())
}

func (r *Runtime) Printf(format string, args ...any) {
	fmt.Fprintf(r.Out, format, args...)
}

func (r *Runtime) Println(args ...any) {
	fmt.Fprintln(r.Out, args...)
}

// Elapsed formats the time between start and now as MM:SS.
func Elapsed(start, now time.Time) string {
	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

func New(w io.Writer, started time.Time) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, Elapsed(started, a.Value.Time()))
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slog.LevelInfo {
					return tint.Attr(6, slog.String(slog.LevelKey, "RUN"))
				}
			}
			return a
		},
	}))
}
