package ghost

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/api"
	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

// startServe runs the admin server the way supervisor would and stops it
// when the test ends.
func startServe(t *testing.T, fx *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, fx.config, Serve{}) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("serve did not stop")
		}
	})
}

func TestSetup(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	fx := newFixture(t)
	fx.selfSign()
	startServe(t, fx)

	r.NoError(Run(context.Background(), fx.config, Setup{Token: "T"}))

	calls := fx.fake.Calls()
	for _, want := range []string{
		"sudo apt update",
		"sudo apt dist-upgrade -yq",
		"sudo ufw allow proto tcp from any to any port 22",
		"sudo ufw allow proto tcp from any to any port 80,443",
		"sudo ufw --force enable",
		"openssl dhparam -out " + filepath.Join(fx.layout.NginxConf(), "dhparam.pem") + " 512",
		"sudo supervisorctl restart nginx",
	} {
		a.Contains(calls, want)
	}
	a.Less(slices.Index(calls, "sudo apt update"), slices.Index(calls, "sudo ufw --force enable"))
	for _, c := range fx.fake.Cmds() {
		if len(c.Args) > 1 && c.Args[0] == "apt" {
			a.Contains(c.Env, "DEBIAN_FRONTEND=noninteractive")
		}
	}

	a.Equal([]string{"python", "nginx", "tor", "firefox", "geckodriver"}, fx.builder.steps)

	bin, err := os.ReadFile(fx.layout.Ghost())
	r.NoError(err)
	a.Equal("\x7fELF ghost binary", string(bin))
	a.FileExists(filepath.Join(fx.layout.Etc(), "servers.conf"))
	a.FileExists(filepath.Join(fx.layout.Etc(), "app-ghost-app.conf"))
	a.FileExists(filepath.Join(fx.layout.NginxConf(), "nginx.conf"))
	a.FileExists(filepath.Join(fx.layout.Site(testIP), "domain.cnf"))

	cfg, err := config.NewStore(fx.layout.Config()).Load()
	r.NoError(err)
	a.Len(cfg.Secret, 6)
	a.Equal("T", cfg.Tokens.DigitalOcean)
	a.Equal(map[string]string{testIP: layout.AdminApp}, cfg.Websites)

	out := fx.out.String()
	a.Contains(out, "setting up base system..")
	a.Contains(out, "You may now sign in to your host while installation continues:\n")
	a.Contains(out, "    https://"+testIP+"?secret="+cfg.Secret+"\n")
}

func TestSetupTwice(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	fx := newFixture(t)
	fx.selfSign()
	dhparam := filepath.Join(fx.layout.NginxConf(), "dhparam.pem")
	fx.fake.Effects["openssl dhparam -out "+dhparam+" 512"] = func(shell.Cmd) {
		os.WriteFile(dhparam, []byte("prime"), 0o600)
	}
	startServe(t, fx)

	r.NoError(Run(context.Background(), fx.config, Setup{Token: "T"}))
	first, err := config.NewStore(fx.layout.Config()).Load()
	r.NoError(err)

	before := len(fx.fake.Calls())
	r.NoError(Run(context.Background(), fx.config, Setup{Token: "U"}))
	for _, c := range fx.fake.Calls()[before:] {
		if strings.HasPrefix(c, "sudo supervisorctl ") {
			a.Equal("sudo supervisorctl status", c)
		}
	}
	second, err := config.NewStore(fx.layout.Config()).Load()
	r.NoError(err)

	a.Equal(first.Secret, second.Secret)
	a.Equal("U", second.Tokens.DigitalOcean)
	a.Equal(1, fx.count("openssl req"))
	a.Equal(1, fx.count("openssl dhparam"), "dhparam is kept once generated")
}

func TestSetupAdminNotHealthy(t *testing.T) {
	a := assert.New(t)
	fx := newFixture(t)
	fx.selfSign()
	fx.config.HealthAttempts = 2
	fx.config.HealthInterval = time.Millisecond

	err := Run(context.Background(), fx.config, Setup{Token: "T"})
	a.ErrorContains(err, "admin app")
	a.NotContains(fx.out.String(), "?secret=")
	a.Equal([]string{"python", "nginx"}, fx.builder.steps)
}

func TestSetupUncertified(t *testing.T) {
	a := assert.New(t)
	fx := newFixture(t)

	err := Run(context.Background(), fx.config, Setup{Token: "T"})
	a.Error(err)
	a.ErrorContains(err, "certificate")
}

func TestServeHealth(t *testing.T) {
	a := assert.New(t)
	fx := newFixture(t)
	startServe(t, fx)

	c := api.NewClient(fx.layout.AppSocket(layout.AdminApp))
	a.NoError(c.WaitHealthy(context.Background(), 200, 10*time.Millisecond))
	a.FileExists(filepath.Join(fx.layout.App(layout.AdminApp), "ghost.log"))
}
