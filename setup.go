package ghost

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"

	"github.com/housecat-inc/ghost/pkg/api"
	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

var AptPackages = []string{
	"build-essential",
	"expect",
	"psmisc",
	"xz-utils", "zip",
	"git", "fcgiwrap",
	"supervisor",
	"redis-server",
	"haveged",
	"libicu-dev", "python3-icu",
	"libsqlite3-dev",
	"libssl-dev",
	"cargo",
	"libffi-dev",
	"zlib1g-dev", "python3-dev",
	"python3-crypto",
	"python3-libtorrent",
	"ffmpeg",
	"imagemagick",
	"libsm-dev", "python-opencv",
	"libevent-dev",
	"pandoc",
	"graphviz",
	"libgtk-3-0", "libdbus-glib-1-2",
	"xvfb", "x11-utils",
	"libenchant-dev",
	"ufw",
	"tmux",
}

// setup installs the whole stack for the ghost user. Every step skips work
// already done, so a second run only repeats the package manager.
func setup(ctx context.Context, c Config, token string) error {
	log := c.Runtime.Logger
	m := c.machine(log)

	c.Runtime.Println("setting up base system..")
	if err := upgradeSystem(ctx, c); err != nil {
		return err
	}
	if err := firewall(ctx, c); err != nil {
		return err
	}
	if err := m.layout.Dirs(); err != nil {
		return err
	}

	b, err := c.Build(m.layout, c.Shell, log)
	if err != nil {
		return err
	}
	if err := b.Python(ctx); err != nil {
		return err
	}
	if err := b.Nginx(ctx); err != nil {
		return err
	}
	if _, err := m.nginx.WriteMain(); err != nil {
		return err
	}
	if err := m.nginx.DHParam(ctx, c.DHParamBits); err != nil {
		return err
	}

	if err := installSelf(c, m.layout); err != nil {
		return err
	}
	if _, err := m.supervisor.Write(ctx, supervisor.Servers(m.layout)); err != nil {
		return err
	}
	if err := setupGhost(ctx, c, m, token); err != nil {
		return err
	}

	for _, step := range []func(context.Context) error{b.Tor, b.Firefox, b.Geckodriver} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	log.Info("setup complete")
	return nil
}

func upgradeSystem(ctx context.Context, c Config) error {
	sh := c.Shell.WithEnv("DEBIAN_FRONTEND=noninteractive")
	for _, step := range []struct {
		args []string
		msg  string
	}{
		{[]string{"update"}, "updating"},
		{[]string{"dist-upgrade", "-yq"}, "upgrading"},
		{append([]string{"install", "-yq"}, AptPackages...), "installing system packages"},
	} {
		c.Runtime.Logger.Info(step.msg)
		if _, err := sh.Run(ctx, "sudo", append([]string{"apt"}, step.args...)...); err != nil {
			return errors.Wrapf(err, "apt %s", step.args[0])
		}
	}
	return nil
}

func firewall(ctx context.Context, c Config) error {
	allow := []string{"ufw", "allow", "proto", "tcp", "from", "any", "to", "any", "port"}
	for _, args := range [][]string{
		append(allow, "22"),
		append(allow, "80,443"),
		{"ufw", "--force", "enable"},
	} {
		if _, err := c.Shell.Run(ctx, "sudo", args...); err != nil {
			return errors.Wrap(err, "ufw")
		}
	}
	return nil
}

// installSelf copies the running binary to system/bin/ghost, where the
// admin program's supervisor unit runs it from.
func installSelf(c Config, l layout.Layout) error {
	exe, err := c.executable()
	if err != nil {
		return err
	}
	if exe == l.Ghost() {
		return nil
	}
	f, err := os.Open(exe)
	if err != nil {
		return errors.Wrap(err, "open executable")
	}
	defer f.Close()
	if err := atomic.WriteFile(l.Ghost(), f); err != nil {
		return errors.Wrap(err, "install ghost")
	}
	return errors.Wrap(os.Chmod(l.Ghost(), 0o755), "chmod ghost")
}

// setupGhost mounts the admin app on the machine's IP behind a self-signed
// certificate and prints the sign-in URL once the app answers.
func setupGhost(ctx context.Context, c Config, m machine, token string) error {
	ip, err := m.sites.IP(ctx)
	if err != nil {
		return err
	}

	cfg, err := m.config.Update(func(cfg *config.Config) error {
		if cfg.Secret == "" {
			secret, err := config.NewSecret()
			if err != nil {
				return err
			}
			cfg.Secret = secret
		}
		cfg.Tokens.DigitalOcean = token
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "save config")
	}

	if _, err := m.sites.Add(ctx, ip); err != nil {
		return err
	}
	dir := m.layout.Site(ip)
	if !layout.Exists(filepath.Join(dir, "domain.crt")) {
		if err := m.nginx.SelfSigned(ctx, dir, ip); err != nil {
			return err
		}
	}
	if err := m.sites.Mount(ctx, ip, layout.AdminApp); err != nil {
		return err
	}

	socket := m.layout.AppSocket(layout.AdminApp)
	if err := api.NewClient(socket).WaitHealthy(ctx, c.HealthAttempts, c.HealthInterval); err != nil {
		return errors.Wrap(err, "admin app")
	}

	c.Runtime.Println()
	c.Runtime.Println("You may now sign in to your host while installation continues:")
	c.Runtime.Printf("    https://%s?secret=%s\n", ip, cfg.Secret)
	c.Runtime.Println()
	return nil
}
