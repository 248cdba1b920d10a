package site

import (
	"cmp"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/housecat-inc/ghost/pkg/build"
	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/pypi"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

var ErrInvalidPackage = errors.New("invalid package spec")

var packagePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(==[A-Za-z0-9._+!-]+)?$`)

// PackagesScript prints every installed distribution that declares web
// apps as a JSON list.
const PackagesScript = `import json
from importlib.metadata import distributions
out = []
for d in distributions():
    apps = sorted(ep.value for ep in d.entry_points if ep.group == "web.apps")
    if apps:
        out.append({"apps": apps, "name": d.metadata["Name"], "summary": d.metadata.get("Summary") or "", "version": d.version})
print(json.dumps(out))`

// Index looks up released versions of a package.
type Index interface {
	Latest(ctx context.Context, name string) (pypi.Release, error)
}

type Package struct {
	Apps    []string `json:"apps"`
	Latest  string   `json:"-"`
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Version string   `json:"version"`
}

// RunApp installs a supervisor program serving app on its unix socket.
func (s *Sites) RunApp(ctx context.Context, app string) error {
	if err := os.MkdirAll(s.config.Layout.App(app), 0o755); err != nil {
		return errors.Wrap(err, "mkdir app")
	}
	_, err := s.config.Supervisor.Write(ctx, supervisor.AppUnit(s.config.Layout, app, 2))
	return errors.Wrapf(err, "run %s", app)
}

// Mount routes host to app: the app is started when supervisor does not
// know it, the HTTPS vhost is written, the mapping recorded and nginx
// restarted when either changed. The site must already hold a certificate.
func (s *Sites) Mount(ctx context.Context, host, app string) error {
	n, err := Parse(host)
	if err != nil {
		return err
	}
	dir := s.config.Layout.Site(n.Host)
	for _, f := range []string{"domain.crt", "domain.key"} {
		if !layout.Exists(filepath.Join(dir, f)) {
			return errors.Wrapf(ErrNotCertified, "%s", n.Host)
		}
	}

	statuses, err := s.config.Supervisor.Statuses(ctx)
	switch {
	case errors.Is(err, supervisor.ErrParse):
		s.config.Log.Warn("supervisor status unknown", "err", err)
		statuses = nil
	case err != nil:
		return err
	}
	if _, ok := statuses[app]; !ok {
		if err := s.RunApp(ctx, app); err != nil {
			return err
		}
	}

	changed, err := s.config.Nginx.WriteApp(n.Host, app)
	if err != nil {
		return err
	}
	if _, err := s.config.Config.Update(func(c *config.Config) error {
		if c.Websites[n.Host] != app {
			c.Websites[n.Host] = app
			changed = true
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "save mount")
	}
	if !changed {
		return nil
	}
	if err := s.config.Nginx.Reload(ctx); err != nil {
		return err
	}
	s.config.Log.Info("site mounted", "site", n.Host, "app", app)
	return nil
}

// InstallPackage pip-installs a PyPI package, optionally pinned with
// ==version, then restarts the admin program in the background so new
// apps show up.
func (s *Sites) InstallPackage(ctx context.Context, spec string) error {
	if !packagePattern.MatchString(spec) {
		return errors.Wrapf(ErrInvalidPackage, "%q", spec)
	}
	return s.pip(ctx, "install", spec)
}

func (s *Sites) UpgradePackage(ctx context.Context, name string) error {
	if !packagePattern.MatchString(name) {
		return errors.Wrapf(ErrInvalidPackage, "%q", name)
	}
	return s.pip(ctx, "install", "-U", name)
}

func (s *Sites) pip(ctx context.Context, args ...string) error {
	if _, err := build.InEnv(ctx, s.config.Shell, s.config.Layout, s.config.Layout.Home, append([]string{"pip"}, args...)...); err != nil {
		return errors.Wrap(err, "pip")
	}
	s.config.Log.Info("pip", "args", args)
	return s.config.Supervisor.RestartBackground(layout.AppName(layout.AdminApp))
}

// Packages lists installed packages that provide web apps. When an index
// is configured, Latest is set for packages with a newer release.
func (s *Sites) Packages(ctx context.Context) ([]Package, error) {
	out, err := build.InEnv(ctx, s.config.Shell, s.config.Layout, s.config.Layout.Home, "python", "-c", PackagesScript)
	if err != nil {
		return nil, errors.Wrap(err, "list packages")
	}
	var pkgs []Package
	if err := json.Unmarshal([]byte(out), &pkgs); err != nil {
		return nil, errors.Wrap(err, "decode packages")
	}
	slices.SortFunc(pkgs, func(a, b Package) int { return cmp.Compare(a.Name, b.Name) })

	if s.config.Index == nil {
		return pkgs, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range pkgs {
		g.Go(func() error {
			rel, err := s.config.Index.Latest(gctx, pkgs[i].Name)
			if err != nil {
				s.config.Log.Warn("latest release", "package", pkgs[i].Name, "err", err)
				return nil
			}
			if pypi.Newer(pkgs[i].Version, rel.Version) {
				pkgs[i].Latest = rel.Version
			}
			return nil
		})
	}
	g.Wait()
	return pkgs, nil
}
