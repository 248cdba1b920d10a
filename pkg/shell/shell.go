package shell

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

type Cmd struct {
	Args  []string
	Dir   string
	Env   []string
	OK    []int
	Path  string
	Stdin io.Reader
}

func (c Cmd) String() string {
	return shellquote.Join(append([]string{c.Path}, c.Args...)...)
}

func (c Cmd) key() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Result struct {
	Code   int
	Stderr string
	Stdout string
}

type LineSink interface {
	OnLine(line string)
}

type Passthrough struct {
	W io.Writer
}

func (p Passthrough) OnLine(line string) {
	fmt.Fprintln(p.W, line)
}

type CommandNotFound struct {
	Name string
}

func (e *CommandNotFound) Error() string {
	return fmt.Sprintf("command not found: %s", e.Name)
}

type NonZeroExit struct {
	Cmd    string
	Code   int
	Stderr string
	Stdout string
}

func (e *NonZeroExit) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
}

// ExitCode returns the exit code carried by err, 0 for nil and 1 for any
// error that did not come from a process.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var nz *NonZeroExit
	if errors.As(err, &nz) {
		return nz.Code
	}
	return 1
}

type Config struct {
	Exec  func(ctx context.Context, c Cmd, sink LineSink) (Result, error)
	Start func(c Cmd) error
}

func DefaultConfig() Config {
	return Config{
		Exec:  execCmd,
		Start: startCmd,
	}
}

// Shell runs commands with a fixed working directory and extra environment.
// Derived shells never modify the one they came from.
type Shell struct {
	config Config
	dir    string
	env    []string
}

func New(cfg Config) Shell {
	return Shell{config: cfg}
}

func Default() Shell {
	return New(DefaultConfig())
}

func (s Shell) WithDir(dir string) Shell {
	s.dir = dir
	return s
}

func (s Shell) WithEnv(kv ...string) Shell {
	s.env = append(slices.Clone(s.env), kv...)
	return s
}

func (s Shell) Dir() string {
	return s.dir
}

func (s Shell) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return s.Exec(ctx, Cmd{Path: name, Args: args})
}

func (s Shell) Exec(ctx context.Context, c Cmd) (Result, error) {
	return s.config.Exec(ctx, s.bind(c), nil)
}

func (s Shell) Stream(ctx context.Context, sink LineSink, c Cmd) (Result, error) {
	return s.config.Exec(ctx, s.bind(c), sink)
}

func (s Shell) Background(c Cmd) error {
	return s.config.Start(s.bind(c))
}

func (s Shell) bind(c Cmd) Cmd {
	if c.Dir == "" {
		c.Dir = s.dir
	}
	c.Env = append(slices.Clone(s.env), c.Env...)
	if len(c.OK) == 0 {
		c.OK = []int{0}
	}
	return c
}

func command(ctx context.Context, c Cmd) (*exec.Cmd, error) {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &CommandNotFound{Name: c.Path}
	}
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	return cmd, nil
}

func execCmd(ctx context.Context, c Cmd, sink LineSink) (Result, error) {
	cmd, err := command(ctx, c)
	if err != nil {
		return Result{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	if sink == nil {
		cmd.Stdout = &stdout
		err = cmd.Run()
	} else {
		err = stream(cmd, sink, &stdout)
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, errors.Wrap(err, c.Path)
		}
		res.Code = exitCode(exitErr)
	}
	if !slices.Contains(c.OK, res.Code) {
		return res, &NonZeroExit{Cmd: c.String(), Code: res.Code, Stderr: res.Stderr, Stdout: res.Stdout}
	}
	return res, nil
}

func stream(cmd *exec.Cmd, sink LineSink, out *bytes.Buffer) error {
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start")
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		out.WriteString(line + "\n")
		sink.OnLine(line)
	}
	scanErr := scanner.Err()
	io.Copy(io.Discard, pipe)

	if err := cmd.Wait(); err != nil {
		return err
	}
	return errors.Wrap(scanErr, "read stdout")
}

func exitCode(err *exec.ExitError) int {
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return err.ExitCode()
}

func startCmd(c Cmd) error {
	cmd, err := command(context.Background(), c)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start")
	}
	go cmd.Wait()
	return nil
}
