package supervisor_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/logs"
	"github.com/housecat-inc/ghost/pkg/shell"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

func testManager(t *testing.T, f *shell.Fake) (*supervisor.Manager, supervisor.Config) {
	t.Helper()
	cfg := supervisor.Config{
		ConfD: t.TempDir(),
		Etc:   t.TempDir(),
		Log:   logs.New(&bytes.Buffer{}, time.Now()),
		Poll:  time.Millisecond,
		Shell: f.Shell(),
	}
	return supervisor.New(cfg), cfg
}

func TestRender(t *testing.T) {
	l := layout.New("/home/ghost")

	tests := []struct {
		_name string
		out   string
		unit  supervisor.Unit
	}{
		{
			_name: "servers",
			out: `[program:nginx]
autostart  = true
command    = /home/ghost/system/nginx/sbin/nginx
stopsignal = INT
user       = root
`,
			unit: supervisor.Servers(l),
		},
		{
			_name: "app",
			out: `[program:canopy-app]
autostart   = true
command     = /home/ghost/runinenv /home/ghost/system/env gunicorn canopy:app -k gevent -w 2 --bind unix:/home/ghost/apps/canopy-app/app.sock
directory   = /home/ghost/apps/canopy-app
environment = PYTHONUNBUFFERED=1
stopsignal  = INT
user        = ghost
`,
			unit: supervisor.AppUnit(l, "canopy:app", 2),
		},
		{
			_name: "admin",
			out: `[program:ghost-app]
autostart   = true
command     = /home/ghost/system/bin/ghost serve --socket /home/ghost/apps/ghost-app/app.sock
directory   = /home/ghost/apps/ghost-app
environment = PYTHONUNBUFFERED=1
stopsignal  = INT
user        = ghost
`,
			unit: supervisor.AppUnit(l, "ghost:app", 2),
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			out, err := tt.unit.Render()
			a.NoError(err)
			a.Equal(tt.out, string(out))

			again, _ := tt.unit.Render()
			a.Equal(out, again)
		})
	}
}

func TestWrite(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	f := shell.NewFake(nil)
	m, cfg := testManager(t, f)
	u := supervisor.AppUnit(layout.New("/home/ghost"), "canopy:app", 2)

	changed, err := m.Write(context.Background(), u)
	r.NoError(err)
	a.True(changed)

	path := filepath.Join(cfg.Etc, "app-canopy-app.conf")
	link := filepath.Join(cfg.ConfD, "app-canopy-app.conf")
	a.Equal([]string{
		"sudo ln -sf " + path + " " + link,
		"sudo supervisorctl reread",
		"sudo supervisorctl update",
	}, f.Calls())
	a.FileExists(path)

	r.NoError(os.Symlink(path, link))
	changed, err = m.Write(context.Background(), u)
	r.NoError(err)
	a.False(changed)
	a.Len(f.Calls(), 3)

	u.Programs[0].Environment = "PYTHONUNBUFFERED=0"
	changed, err = m.Write(context.Background(), u)
	r.NoError(err)
	a.True(changed)
	a.Len(f.Calls(), 6)
}

func TestWriteFails(t *testing.T) {
	a := assert.New(t)

	f := shell.NewFake(map[string]shell.CmdResult{"sudo supervisorctl reread": {Code: 2, Stderr: "error: could not connect"}})
	m, _ := testManager(t, f)

	_, err := m.Write(context.Background(), supervisor.Servers(layout.New("/home/ghost")))
	a.ErrorContains(err, "reread")
	a.Equal(2, shell.ExitCode(err))
	a.Len(f.Calls(), 2)
}

func TestWriteConcurrent(t *testing.T) {
	a := assert.New(t)

	f := shell.NewFake(nil)
	m, _ := testManager(t, f)
	l := layout.New("/home/ghost")

	var wg sync.WaitGroup
	for _, app := range []string{"a:app", "b:app", "c:app", "d:app"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Write(context.Background(), supervisor.AppUnit(l, app, 2))
			a.NoError(err)
		}()
	}
	wg.Wait()

	calls := f.Calls()
	a.Len(calls, 12)
	for i := 0; i < len(calls); i += 3 {
		a.Contains(calls[i], "sudo ln -sf")
		a.Equal("sudo supervisorctl reread", calls[i+1])
		a.Equal("sudo supervisorctl update", calls[i+2])
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		_name    string
		err      error
		in       string
		starting bool
		want     map[string]supervisor.Status
	}{
		{
			_name: "running and stopped",
			in: `canopy-app                       RUNNING   pid 1201, uptime 0:12:01
ghost-app                        RUNNING   pid 1100, uptime 1 day, 2:00:00
nginx                            STOPPED   Not started
`,
			want: map[string]supervisor.Status{
				"canopy:app": {App: "canopy:app", PID: "1201", State: "RUNNING", Uptime: "0:12:01"},
				"ghost:app":  {App: "ghost:app", PID: "1100", State: "RUNNING", Uptime: "1 day, 2:00:00"},
				"nginx":      {App: "nginx", State: "STOPPED"},
			},
		},
		{
			_name:    "starting",
			in:       "ghost-app  STARTING\nnginx  RUNNING   pid 9, uptime 0:00:01\n",
			starting: true,
			want: map[string]supervisor.Status{
				"nginx": {App: "nginx", PID: "9", State: "RUNNING", Uptime: "0:00:01"},
			},
		},
		{
			_name: "stopping without description",
			in:    "canopy-app RUNNING pid 10, uptime 0:01:00\nother-app STOPPING\n",
			want: map[string]supervisor.Status{
				"canopy:app": {App: "canopy:app", PID: "10", State: "RUNNING", Uptime: "0:01:00"},
				"other:app":  {App: "other:app", State: "STOPPING"},
			},
		},
		{
			_name: "empty",
			want:  map[string]supervisor.Status{},
		},
		{
			_name: "shifted line",
			err:   supervisor.ErrParse,
			in:    "nginx RUNNING pid 9, uptime 0:00:01\ngarbage\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			got, starting, err := supervisor.ParseStatus(tt.in)
			if tt.err != nil {
				a.True(errors.Is(err, tt.err))
				a.Nil(got)
				return
			}
			a.NoError(err)
			a.Equal(tt.starting, starting)
			a.Equal(tt.want, got)
		})
	}
}

func TestStatusesPollsWhileStarting(t *testing.T) {
	a := assert.New(t)

	f := shell.NewFake(map[string]shell.CmdResult{"sudo supervisorctl status": {Code: 3, Stdout: "ghost-app STARTING\n"}})
	m, _ := testManager(t, f)

	done := make(chan map[string]supervisor.Status, 1)
	go func() {
		s, err := m.Statuses(context.Background())
		a.NoError(err)
		done <- s
	}()
	for len(f.Calls()) < 3 {
		time.Sleep(time.Millisecond)
	}
	f.Set("sudo supervisorctl status", shell.CmdResult{Stdout: "ghost-app RUNNING pid 7, uptime 0:00:01\n"})

	s := <-done
	a.Equal("RUNNING", s["ghost:app"].State)
}

func TestStatusesCancel(t *testing.T) {
	a := assert.New(t)

	f := shell.NewFake(map[string]shell.CmdResult{"sudo supervisorctl status": {Stdout: "ghost-app STARTING\n"}})
	m, _ := testManager(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Statuses(ctx)
	a.Error(err)
}

func TestRestart(t *testing.T) {
	a := assert.New(t)

	f := shell.NewFake(nil)
	m, _ := testManager(t, f)

	a.NoError(m.Restart(context.Background(), "nginx"))
	a.NoError(m.RestartBackground("ghost-app"))
	a.Equal([]string{"sudo supervisorctl restart nginx", "sudo supervisorctl restart ghost-app"}, f.Calls())
}
