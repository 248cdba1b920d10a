package ghost

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/lumberjack/v2"
	"github.com/labstack/echo/v4"

	"github.com/housecat-inc/ghost/pkg/api"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/logs"
)

// serve runs the admin server on a unix socket until ctx is done.
func serve(ctx context.Context, c Config, socket string) error {
	l := layout.New(c.Home)
	if socket == "" {
		socket = l.AppSocket(layout.AdminApp)
	}
	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		return errors.Wrap(err, "mkdir socket dir")
	}

	file := &lumberjack.Logger{
		Compress:   true,
		Filename:   filepath.Join(l.App(layout.AdminApp), "ghost.log"),
		MaxBackups: 3,
		MaxSize:    10,
	}
	defer file.Close()
	log := logs.New(io.MultiWriter(c.Runtime.Out, file), c.Runtime.Started)

	exe, err := c.executable()
	if err != nil {
		return err
	}
	m := c.machine(log)
	srv, err := api.NewServer(api.Config{
		Config:     m.config,
		Executable: exe,
		Log:        log,
		Sites:      m.sites,
		Supervisor: m.supervisor,
	})
	if err != nil {
		return err
	}
	w, err := srv.Watch()
	if err != nil {
		return errors.Wrap(err, "watch config")
	}
	defer w.Stop()

	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove stale socket")
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if err := os.Chmod(socket, 0o666); err != nil {
		ln.Close()
		return errors.Wrap(err, "chmod socket")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	srv.Middleware(e)
	srv.Routes(e)

	startErr := make(chan error, 1)
	go func() {
		log.Info("ghost", "socket", socket)
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-startErr:
		return errors.Wrap(err, "serve")
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
