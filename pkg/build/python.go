package build

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const (
	PySQLiteRepo = "https://github.com/coleifer/pysqlite3"
	RTMPURL      = "https://github.com/sergey-dryabzhinsky/nginx-rtmp-module/archive/dev.zip"
	SQLiteURL    = "https://www.sqlite.org/src/tarball/sqlite.tar.gz"
)

// RunInEnv activates the virtualenv given as its first argument and execs
// the rest of the command line inside it.
const RunInEnv = `#!/usr/bin/env bash
VENV=$1
. ${VENV}/bin/activate
shift 1
exec "$@"
deactivate
`

// Python installs the interpreter and the runtime every mounted app needs:
// a virtualenv, a static sqlite build for it and the gunicorn app server.
func (p *Pipeline) Python(ctx context.Context) error {
	if err := p.Component(ctx, "python"); err != nil {
		return err
	}

	env := p.layout.Env()
	if !layout.Exists(env) {
		p.log.Info("creating virtualenv")
		if _, err := p.sh.Run(ctx, filepath.Join(p.layout.Bin(), "python3"), "-m", "venv", env); err != nil {
			return errors.Wrap(err, "venv")
		}
	}

	if err := p.writeRunInEnv(); err != nil {
		return err
	}
	if err := p.sqlite(ctx); err != nil {
		return err
	}
	if err := p.pysqlite(ctx); err != nil {
		return err
	}

	if !layout.Exists(filepath.Join(env, "bin", "gunicorn")) {
		p.log.Info("installing gunicorn")
		if _, err := p.InEnv(ctx, p.layout.Home, "pip", "install", "gunicorn", "gevent"); err != nil {
			return errors.Wrap(err, "pip install gunicorn")
		}
	}
	return nil
}

// InEnv runs a command inside the layout's virtualenv from dir.
func InEnv(ctx context.Context, sh shell.Shell, l layout.Layout, dir string, args ...string) (string, error) {
	res, err := sh.WithDir(dir).Run(ctx, "bash", append([]string{l.RunInEnv(), l.Env()}, args...)...)
	return res.Stdout, err
}

func (p *Pipeline) InEnv(ctx context.Context, dir string, args ...string) (string, error) {
	return InEnv(ctx, p.sh, p.layout, dir, args...)
}

func (p *Pipeline) writeRunInEnv() error {
	path := p.layout.RunInEnv()
	if data, err := os.ReadFile(path); err == nil && bytes.Equal(data, []byte(RunInEnv)) {
		return nil
	}
	if err := os.WriteFile(path, []byte(RunInEnv), 0o755); err != nil {
		return errors.Wrap(err, "write runinenv")
	}
	return errors.Wrap(os.Chmod(path, 0o755), "chmod runinenv")
}

func (p *Pipeline) sqlite(ctx context.Context) error {
	dir := filepath.Join(p.layout.Src(), "sqlite")
	if layout.Exists(filepath.Join(dir, "sqlite3.c")) {
		return nil
	}
	p.log.Info("installing sqlite")

	archive := filepath.Join(p.layout.Src(), "sqlite.tar.gz")
	if !layout.Exists(archive) {
		p.log.Info("  downloading")
		if err := p.Download(ctx, SQLiteURL, archive); err != nil {
			return err
		}
	}
	if !layout.Exists(dir) {
		p.log.Info("  extracting")
		if _, err := p.sh.WithDir(p.layout.Src()).Run(ctx, "tar", "xf", "sqlite.tar.gz"); err != nil {
			return errors.Wrap(err, "extract sqlite")
		}
	}
	p.log.Info("  configuring")
	if _, err := p.sh.WithDir(dir).Run(ctx, "bash", "./configure"); err != nil {
		return errors.Wrap(err, "configure sqlite")
	}
	p.log.Info("  making")
	if _, err := p.sh.WithDir(dir).Run(ctx, "make", "sqlite3.c"); err != nil {
		return errors.Wrap(err, "make sqlite3.c")
	}
	return nil
}

func (p *Pipeline) pysqlite(ctx context.Context) error {
	dir := filepath.Join(p.layout.Src(), "pysqlite3")
	if layout.Exists(dir) {
		return nil
	}
	p.log.Info("installing pysqlite3")

	src := p.sh.WithDir(p.layout.Src())
	if _, err := src.Run(ctx, "git", "clone", PySQLiteRepo); err != nil {
		return errors.Wrap(err, "clone pysqlite3")
	}
	sqlite := filepath.Join(p.layout.Src(), "sqlite")
	for _, f := range []string{"sqlite3.c", "sqlite3.h"} {
		if _, err := src.Run(ctx, "cp", filepath.Join(sqlite, f), dir+"/"); err != nil {
			return errors.Wrapf(err, "copy %s", f)
		}
	}
	p.log.Info("  building")
	if _, err := p.InEnv(ctx, dir, "python", "setup.py", "build_static"); err != nil {
		return errors.Wrap(err, "build pysqlite3")
	}
	p.log.Info("  installing")
	if _, err := p.InEnv(ctx, dir, "python", "setup.py", "install"); err != nil {
		return errors.Wrap(err, "install pysqlite3")
	}
	return nil
}

// Nginx installs nginx with the RTMP module compiled in.
func (p *Pipeline) Nginx(ctx context.Context) error {
	u, err := p.Upstream("nginx")
	if err != nil {
		return err
	}
	if !layout.Exists(p.BinPath(u)) && !layout.Exists(filepath.Join(p.layout.Src(), "nginx-rtmp-module-dev")) {
		p.log.Info("installing nginx-rtmp-module")
		archive := filepath.Join(p.layout.Src(), "nginx-rtmp-module.zip")
		if !layout.Exists(archive) {
			p.log.Info("  downloading")
			if err := p.Download(ctx, RTMPURL, archive); err != nil {
				return err
			}
		}
		p.log.Info("  extracting")
		if _, err := p.sh.WithDir(p.layout.Src()).Run(ctx, "unzip", "-qq", "nginx-rtmp-module.zip"); err != nil {
			return errors.Wrap(err, "unzip rtmp module")
		}
	}
	return p.Component(ctx, "nginx")
}
