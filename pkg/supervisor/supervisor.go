package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
	"gopkg.in/ini.v1"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const ConfD = "/etc/supervisor/conf.d"

var ErrParse = errors.New("supervisor: unparseable status")

// reloads serializes reread/update across every manager in the process.
var reloads sync.Mutex

type Program struct {
	Autostart   bool
	Command     string
	Directory   string
	Environment string
	Name        string
	StopSignal  string
	User        string
}

// Unit is one supervisor config file holding one or more programs.
type Unit struct {
	Name     string
	Programs []Program
}

// Render produces the unit's INI text. Output is byte-stable for equal units.
func (u Unit) Render() ([]byte, error) {
	f := ini.Empty()
	for _, p := range u.Programs {
		sec, err := f.NewSection("program:" + p.Name)
		if err != nil {
			return nil, errors.Wrap(err, "section")
		}
		autostart := ""
		if p.Autostart {
			autostart = "true"
		}
		for _, kv := range [][2]string{
			{"autostart", autostart},
			{"command", p.Command},
			{"directory", p.Directory},
			{"environment", p.Environment},
			{"stopsignal", p.StopSignal},
			{"user", p.User},
		} {
			if kv[1] == "" {
				continue
			}
			if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
				return nil, errors.Wrap(err, "key")
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "render")
	}
	return buf.Bytes(), nil
}

// Servers is the unit for the long-running system daemons.
func Servers(l layout.Layout) Unit {
	return Unit{
		Name: "servers",
		Programs: []Program{{
			Autostart:  true,
			Command:    filepath.Join(l.Nginx(), "sbin", "nginx"),
			Name:       "nginx",
			StopSignal: "INT",
			User:       "root",
		}},
	}
}

// AppUnit runs app under gunicorn, or the ghost admin server for the admin
// app id, listening on the app's unix socket.
func AppUnit(l layout.Layout, app string, workers int) Unit {
	name := layout.AppName(app)
	dir := l.App(app)

	command := fmt.Sprintf("%s %s gunicorn %s -k gevent -w %d --bind unix:%s",
		l.RunInEnv(), l.Env(), app, workers, l.AppSocket(app))
	if app == layout.AdminApp {
		command = fmt.Sprintf("%s serve --socket %s", l.Ghost(), l.AppSocket(app))
	}

	return Unit{
		Name: "app-" + name,
		Programs: []Program{{
			Autostart:   true,
			Command:     command,
			Directory:   dir,
			Environment: "PYTHONUNBUFFERED=1",
			Name:        name,
			StopSignal:  "INT",
			User:        layout.User,
		}},
	}
}

type Status struct {
	App    string
	PID    string
	State  string
	Uptime string
}

type Config struct {
	ConfD string
	Etc   string
	Log   *slog.Logger
	Poll  time.Duration
	Shell shell.Shell
}

func DefaultConfig(l layout.Layout, sh shell.Shell, log *slog.Logger) Config {
	return Config{
		ConfD: ConfD,
		Etc:   l.Etc(),
		Log:   log,
		Poll:  500 * time.Millisecond,
		Shell: sh,
	}
}

type Manager struct {
	config Config
}

func New(cfg Config) *Manager {
	return &Manager{config: cfg}
}

func (m *Manager) sudo(ctx context.Context, args ...string) (shell.Result, error) {
	return m.config.Shell.Run(ctx, "sudo", args...)
}

// Write installs the unit and asks supervisor to pick it up. It reports
// false and does nothing when the unit on disk is already identical.
func (m *Manager) Write(ctx context.Context, u Unit) (bool, error) {
	data, err := u.Render()
	if err != nil {
		return false, err
	}

	path := filepath.Join(m.config.Etc, u.Name+".conf")
	link := filepath.Join(m.config.ConfD, u.Name+".conf")

	reloads.Lock()
	defer reloads.Unlock()

	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		if target, err := os.Readlink(link); err == nil && target == path {
			return false, nil
		}
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return false, errors.Wrap(err, "write unit")
	}
	if _, err := m.sudo(ctx, "ln", "-sf", path, link); err != nil {
		return false, errors.Wrap(err, "link unit")
	}
	if _, err := m.sudo(ctx, "supervisorctl", "reread"); err != nil {
		return false, errors.Wrap(err, "reread")
	}
	if _, err := m.sudo(ctx, "supervisorctl", "update"); err != nil {
		return false, errors.Wrap(err, "update")
	}
	m.config.Log.Info("supervisor unit written", "unit", u.Name)
	return true, nil
}

// Statuses lists every program supervisor knows, keyed by app id. While any
// program is still STARTING the listing is polled again.
func (m *Manager) Statuses(ctx context.Context) (map[string]Status, error) {
	for {
		res, err := m.config.Shell.Exec(ctx, shell.Cmd{
			Path: "sudo",
			Args: []string{"supervisorctl", "status"},
			OK:   []int{0, 3},
		})
		if err != nil {
			return nil, errors.Wrap(err, "status")
		}

		statuses, starting, err := ParseStatus(res.Stdout)
		if err != nil {
			return nil, err
		}
		if !starting {
			return statuses, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.config.Poll):
		}
	}
}

// ParseStatus parses supervisorctl status output. STOPPING and STARTING
// programs may have no description. A line without a state fails the whole
// listing.
func ParseStatus(out string) (map[string]Status, bool, error) {
	statuses := map[string]Status{}
	starting := false
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, false, errors.Wrapf(ErrParse, "%q", line)
		}
		if fields[1] == "STARTING" {
			starting = true
			continue
		}
		app := layout.AppID(fields[0])
		s := Status{App: app, State: fields[1]}
		if len(fields) > 3 && fields[2] == "pid" {
			s.PID = strings.TrimSuffix(fields[3], ",")
		}
		if _, uptime, ok := strings.Cut(line, " uptime "); ok {
			s.Uptime = strings.TrimSpace(uptime)
		}
		statuses[app] = s
	}
	return statuses, starting, nil
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	_, err := m.sudo(ctx, "supervisorctl", "restart", name)
	return errors.Wrapf(err, "restart %s", name)
}

// RestartBackground restarts name without waiting, for restarting the
// program serving the current request.
func (m *Manager) RestartBackground(name string) error {
	err := m.config.Shell.Background(shell.Cmd{Path: "sudo", Args: []string{"supervisorctl", "restart", name}})
	return errors.Wrapf(err, "restart %s", name)
}
