package ghost

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"

	"github.com/housecat-inc/ghost/pkg/acme"
	"github.com/housecat-inc/ghost/pkg/build"
	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/dynadot"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/logs"
	"github.com/housecat-inc/ghost/pkg/nginx"
	"github.com/housecat-inc/ghost/pkg/pypi"
	"github.com/housecat-inc/ghost/pkg/remote"
	"github.com/housecat-inc/ghost/pkg/shell"
	"github.com/housecat-inc/ghost/pkg/site"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

const (
	DefaultACMEURL = "https://acme-v02.api.letsencrypt.org/directory"
	DefaultDistURL = "https://gh.ost.lol"
	SudoersPath    = "/etc/sudoers.d/01_ghost"
)

// Builder installs the pinned upstreams. *build.Pipeline is the real one.
type Builder interface {
	Firefox(ctx context.Context) error
	Geckodriver(ctx context.Context) error
	Nginx(ctx context.Context) error
	Python(ctx context.Context) error
	Tor(ctx context.Context) error
}

type Config struct {
	ACMEURL         string
	Build           func(l layout.Layout, sh shell.Shell, log *slog.Logger) (Builder, error)
	DHParamBits     int
	DigitalOcean    func(token string) *digitalocean.Client
	DistURL         string
	Dynadot         func(token string) *dynadot.Client
	Executable      func() (string, error)
	HealthAttempts  int
	HealthInterval  time.Duration
	Home            string
	ReadPassword    func() (string, error)
	Remote          remote.Config
	Runtime         *logs.Runtime
	Shell           shell.Shell
	Stdin           io.Reader
	SSHDir          string
	SudoersPath     string
	SupervisorConfD string
}

func DefaultConfig(rt *logs.Runtime) Config {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	r := remote.DefaultConfig(cwd)
	r.Out = rt.Out

	return Config{
		ACMEURL: config.EnvOr("GHOST_ACME_URL", DefaultACMEURL),
		Build: func(l layout.Layout, sh shell.Shell, log *slog.Logger) (Builder, error) {
			return build.New(build.DefaultConfig(), l, sh, log)
		},
		DHParamBits:    config.EnvOr("GHOST_DHPARAM_BITS", 512),
		DigitalOcean:   digitalocean.New,
		DistURL:        strings.TrimSuffix(config.EnvOr("GHOST_DIST_URL", DefaultDistURL), "/"),
		Dynadot:        dynadot.New,
		Executable:     os.Executable,
		HealthAttempts: 30,
		HealthInterval: time.Second,
		Home:           config.EnvOr("GHOST_HOME", home),
		ReadPassword: func() (string, error) {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			return string(b), err
		},
		Remote:          r,
		Runtime:         rt,
		Shell:           shell.Default(),
		Stdin:           os.Stdin,
		SSHDir:          "/root/.ssh",
		SudoersPath:     SudoersPath,
		SupervisorConfD: supervisor.ConfD,
	}
}

// machine is the set of components that manage one ghost layout.
type machine struct {
	config     *config.Store
	layout     layout.Layout
	nginx      *nginx.Nginx
	sites      *site.Sites
	supervisor *supervisor.Manager
}

func (c Config) machine(log *slog.Logger) machine {
	l := layout.New(c.Home)
	store := config.NewStore(l.Config())
	ng := nginx.New(l, c.Shell, log)
	supCfg := supervisor.DefaultConfig(l, c.Shell, log)
	supCfg.ConfD = c.SupervisorConfD
	sup := supervisor.New(supCfg)
	issuer := acme.New(acme.DefaultConfig(filepath.Join(l.Etc(), "acme-account.key"), c.ACMEURL), log)

	return machine{
		config: store,
		layout: l,
		nginx:  ng,
		sites: site.New(site.Config{
			ACME:       issuer,
			Config:     store,
			HSTS:       site.NewHSTSClient(),
			Index:      pypi.New(),
			Layout:     l,
			Log:        log,
			Nginx:      ng,
			Shell:      c.Shell,
			Supervisor: sup,
		}),
		supervisor: sup,
	}
}

func (c Config) executable() (string, error) {
	exe, err := c.Executable()
	if err != nil {
		return "", errors.Wrap(err, "executable")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}
