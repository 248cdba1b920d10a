package shell

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

type CmdResult struct {
	Code   int
	Err    string
	Stderr string
	Stdout string
}

// Fake answers commands from canned results keyed by the joined argv and
// records every command it sees. Unknown commands succeed with no output.
// Effects run for matching commands before the result is returned, for
// commands whose output is a file.
type Fake struct {
	Effects map[string]func(c Cmd)
	Results map[string]CmdResult

	cmds []Cmd
	mu   sync.Mutex
}

func NewFake(results map[string]CmdResult) *Fake {
	if results == nil {
		results = map[string]CmdResult{}
	}
	return &Fake{Effects: map[string]func(Cmd){}, Results: results}
}

func TestConfig(cmds map[string]CmdResult) Config {
	return NewFake(cmds).Config()
}

func (f *Fake) Config() Config {
	return Config{
		Exec: f.exec,
		Start: func(c Cmd) error {
			_, err := f.exec(context.Background(), c, nil)
			return err
		},
	}
}

func (f *Fake) Shell() Shell {
	return New(f.Config())
}

func (f *Fake) Set(key string, r CmdResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[key] = r
}

// Calls returns the joined argv of every command run so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.cmds))
	for _, c := range f.cmds {
		out = append(out, c.key())
	}
	return out
}

func (f *Fake) Cmds() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cmds)
}

func (f *Fake) exec(ctx context.Context, c Cmd, sink LineSink) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, errors.Wrap(err, c.Path)
	}

	f.mu.Lock()
	f.cmds = append(f.cmds, c)
	r := f.Results[c.key()]
	effect := f.Effects[c.key()]
	f.mu.Unlock()

	if effect != nil {
		effect(c)
	}

	if r.Err != "" {
		if strings.Contains(r.Err, "not found") {
			return Result{}, &CommandNotFound{Name: c.Path}
		}
		return Result{}, errors.New(r.Err)
	}

	if sink != nil && r.Stdout != "" {
		for _, line := range strings.Split(strings.TrimSuffix(r.Stdout, "\n"), "\n") {
			sink.OnLine(line)
		}
	}

	res := Result{Code: r.Code, Stderr: r.Stderr, Stdout: r.Stdout}
	ok := c.OK
	if len(ok) == 0 {
		ok = []int{0}
	}
	if !slices.Contains(ok, res.Code) {
		return res, &NonZeroExit{Cmd: c.String(), Code: res.Code, Stderr: res.Stderr, Stdout: res.Stdout}
	}
	return res, nil
}
