package layout

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	AdminApp = "ghost:app"
	User     = "ghost"
)

// Layout resolves the ghost home directory tree.
type Layout struct {
	Home string
}

func New(home string) Layout {
	return Layout{Home: home}
}

// AppName turns an app id such as canopy:app into the dashed name used for
// directories and supervisor programs.
func AppName(app string) string {
	return strings.ReplaceAll(app, ":", "-")
}

// AppID reverses AppName.
func AppID(name string) string {
	return strings.ReplaceAll(name, "-", ":")
}

func (l Layout) Apps() string { return filepath.Join(l.Home, "apps") }
func (l Layout) App(app string) string { return filepath.Join(l.Apps(), AppName(app)) }
func (l Layout) AppSocket(app string) string { return filepath.Join(l.App(app), "app.sock") }
func (l Layout) Sites() string { return filepath.Join(l.Home, "sites") }
func (l Layout) Site(host string) string { return filepath.Join(l.Sites(), host) }
func (l Layout) System() string { return filepath.Join(l.Home, "system") }
func (l Layout) Bin() string { return filepath.Join(l.System(), "bin") }
func (l Layout) Env() string { return filepath.Join(l.System(), "env") }
func (l Layout) Etc() string { return filepath.Join(l.System(), "etc") }
func (l Layout) Src() string { return filepath.Join(l.System(), "src") }
func (l Layout) Var() string { return filepath.Join(l.System(), "var") }
func (l Layout) Nginx() string { return filepath.Join(l.System(), "nginx") }
func (l Layout) NginxConf() string { return filepath.Join(l.Nginx(), "conf") }
func (l Layout) NginxConfD() string { return filepath.Join(l.NginxConf(), "conf.d") }
func (l Layout) Config() string { return filepath.Join(l.Home, "config.json") }
func (l Layout) RunInEnv() string { return filepath.Join(l.Home, "runinenv") }
func (l Layout) Ghost() string { return filepath.Join(l.Bin(), "ghost") }

// Dirs creates the directories every later step writes into.
func (l Layout) Dirs() error {
	for _, dir := range []string{l.Apps(), l.Sites(), l.Bin(), l.Etc(), l.Src(), l.Var()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "mkdir")
		}
	}
	return nil
}

func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
