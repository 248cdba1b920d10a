package ghost

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/dynadot"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/logs"
	"github.com/housecat-inc/ghost/pkg/remote"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const testIP = "203.0.113.7"

// syncBuffer is written by the logger and the admin server concurrently.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type builder struct {
	mu    sync.Mutex
	steps []string
}

func (b *builder) step(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, name)
	return nil
}

func (b *builder) Firefox(context.Context) error     { return b.step("firefox") }
func (b *builder) Geckodriver(context.Context) error { return b.step("geckodriver") }
func (b *builder) Nginx(context.Context) error       { return b.step("nginx") }
func (b *builder) Python(context.Context) error      { return b.step("python") }
func (b *builder) Tor(context.Context) error         { return b.step("tor") }

type fixture struct {
	builder *builder
	config  Config
	exe     string
	fake    *shell.Fake
	layout  layout.Layout
	opened  []string
	out     *syncBuffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := require.New(t)

	fx := &fixture{
		builder: &builder{},
		fake: shell.NewFake(map[string]shell.CmdResult{
			"hostname -I": {Stdout: testIP + " 10.0.0.2 \n"},
		}),
		out: &syncBuffer{},
	}

	fx.exe = filepath.Join(t.TempDir(), "ghost")
	r.NoError(os.WriteFile(fx.exe, []byte("\x7fELF ghost binary"), 0o755))

	home := t.TempDir()
	fx.layout = layout.New(home)
	started := time.Now()
	rt := &logs.Runtime{Logger: logs.New(fx.out, started), Out: fx.out, Started: started}

	fx.config = Config{
		ACMEURL: "https://acme.invalid/directory",
		Build: func(layout.Layout, shell.Shell, *slog.Logger) (Builder, error) {
			return fx.builder, nil
		},
		DHParamBits:    512,
		DigitalOcean:   digitalocean.New,
		DistURL:        "https://dist.invalid",
		Dynadot:        dynadot.New,
		Executable:     func() (string, error) { return fx.exe, nil },
		HealthAttempts: 200,
		HealthInterval: 10 * time.Millisecond,
		Home:           home,
		ReadPassword:   func() (string, error) { return "", nil },
		Remote: remote.Config{
			Attempts: 2,
			Dir:      t.TempDir(),
			Interval: time.Millisecond,
			Open: func(u string) error {
				fx.opened = append(fx.opened, u)
				return nil
			},
			Out:   fx.out,
			Shell: fx.fake.Shell(),
		},
		Runtime:         rt,
		Shell:           fx.fake.Shell(),
		Stdin:           strings.NewReader(""),
		SSHDir:          "/root/.ssh",
		SudoersPath:     filepath.Join(t.TempDir(), "01_ghost"),
		SupervisorConfD: t.TempDir(),
	}

	for _, unit := range []string{"servers.conf", "app-ghost-app.conf"} {
		path := filepath.Join(fx.layout.Etc(), unit)
		link := filepath.Join(fx.config.SupervisorConfD, unit)
		fx.fake.Effects["sudo ln -sf "+path+" "+link] = func(shell.Cmd) {
			os.Remove(link)
			os.Symlink(path, link)
		}
	}
	return fx
}

// selfSign makes the faked openssl leave a certificate behind.
func (fx *fixture) selfSign() {
	key := "openssl req -x509 -nodes -days 365 -newkey rsa:2048 -keyout domain.key -out domain.crt -config domain.cnf"
	fx.fake.Effects[key] = func(c shell.Cmd) {
		for _, f := range []string{"domain.crt", "domain.key"} {
			os.WriteFile(filepath.Join(c.Dir, f), []byte("self-signed"), 0o600)
		}
	}
}

func (fx *fixture) count(prefix string) int {
	n := 0
	for _, c := range fx.fake.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
