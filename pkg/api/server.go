package api

//go:generate templ generate

import (
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/dynadot"
	"github.com/housecat-inc/ghost/pkg/site"
	"github.com/housecat-inc/ghost/pkg/supervisor"
	"github.com/housecat-inc/ghost/pkg/watch"
)

var (
	appPattern  = regexp.MustCompile(`^[a-z0-9-:.]{4,128}$`)
	pkgPattern  = regexp.MustCompile(`^[a-z-]+$`)
	sitePattern = regexp.MustCompile(`^[a-z0-9-.]{4,128}$`)
)

type Config struct {
	Config     *config.Store
	DNS        func(token string) site.DNS
	Executable string
	Log        *slog.Logger
	Registrar  func(token string) site.Registrar
	Sites      *site.Sites
	Supervisor *supervisor.Manager
}

type Server struct {
	config   Config
	sessions *Sessions
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.DNS == nil {
		cfg.DNS = func(token string) site.DNS { return digitalocean.New(token) }
	}
	if cfg.Registrar == nil {
		cfg.Registrar = func(token string) site.Registrar { return dynadot.New(token) }
	}
	c, err := cfg.Config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	sessions, err := NewSessions(c.Secret)
	if err != nil {
		return nil, err
	}
	return &Server{config: cfg, sessions: sessions}, nil
}

func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Watch rotates the session key whenever config.json changes its secret.
func (s *Server) Watch() (*watch.Watcher, error) {
	path := s.config.Config.Path
	w := watch.New(filepath.Dir(path), []string{filepath.Base(path)}, nil, func(string) {
		s.reload()
	})
	w.Logger = s.config.Log
	return w, w.Start()
}

func (s *Server) reload() {
	c, err := s.config.Config.Load()
	if err != nil {
		s.config.Log.Warn("reload config", "err", err)
		return
	}
	if s.sessions.Rotate(c.Secret) {
		s.config.Log.Info("secret changed, sessions dropped")
	}
}

func (s *Server) Middleware(e *echo.Echo) {
	e.Pre(middleware.MethodOverrideWithConfig(middleware.MethodOverrideConfig{
		Getter: middleware.MethodFromForm("_http_method"),
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError: true,
		LogLatency:  true,
		LogMethod:   true,
		LogStatus:   true,
		LogURI:      true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.URI == "/health" {
				return nil
			}
			s.config.Log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			)
			return nil
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hostname(c.Request().Host) == DistHost {
				return s.handleDist(c)
			}
			return next(c)
		}
	})
}

func (s *Server) Routes(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/health", s.handleHealth)

	auth := s.requireSession
	e.POST("/tokens/:service", s.handleToken, auth)
	e.POST("/sites", s.handleSiteAdd, auth)
	e.DELETE("/sites/:site", s.handleSiteDelete, auth)
	e.POST("/sites/:site/dns", s.handleSiteDNS, auth)
	e.POST("/sites/:site/certificate", s.handleSiteCertify, auth)
	e.POST("/sites/:site/mount", s.handleSiteMount, auth)
	e.POST("/apps", s.handleAppInstall, auth)
	e.POST("/apps/:app", s.handleApp, auth)
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.sessions.Valid(c.Request()) {
			return c.String(http.StatusUnauthorized, "please sign in with your secret")
		}
		return next(c)
	}
}

func home(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, "/")
}

// fail maps domain errors to responses; anything unexpected is logged.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, site.ErrInvalidHostname),
		errors.Is(err, site.ErrUnknownSuffix),
		errors.Is(err, site.ErrInvalidPackage),
		errors.Is(err, config.ErrUnknownService):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, site.ErrNotCertified):
		return c.String(http.StatusConflict, err.Error())
	}
	s.config.Log.Error("request failed", "method", c.Request().Method, "uri", c.Request().RequestURI, "err", err)
	return c.String(http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok\n")
}

func (s *Server) handleIndex(c echo.Context) error {
	if secret := c.QueryParam("secret"); secret != "" {
		if !s.sessions.Check(secret) {
			return c.String(http.StatusUnauthorized, "bad secret")
		}
		c.SetCookie(s.sessions.Issue())
		return home(c)
	}
	if !s.sessions.Valid(c.Request()) {
		return c.String(http.StatusUnauthorized, "please sign in with your secret")
	}

	p, err := s.page(c)
	if err != nil {
		return s.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return Index(p).Render(c.Request().Context(), c.Response())
}

func (s *Server) page(c echo.Context) (Page, error) {
	ctx := c.Request().Context()
	log := s.config.Log

	cfg, err := s.config.Config.Load()
	if err != nil {
		return Page{}, errors.Wrap(err, "load config")
	}
	system, err := s.config.Sites.System(ctx)
	if err != nil {
		return Page{}, err
	}
	packages, err := s.config.Sites.Packages(ctx)
	if err != nil {
		log.Warn("packages", "err", err)
	}
	statuses, err := s.config.Supervisor.Statuses(ctx)
	if err != nil {
		log.Warn("statuses", "err", err)
		statuses = map[string]supervisor.Status{}
	}

	zones := site.Zones{Provider: map[string]bool{}, Registrar: map[string]bool{}}
	if cfg.Tokens.DigitalOcean != "" {
		ds, err := s.config.DNS(cfg.Tokens.DigitalOcean).GetDomains(ctx)
		if err != nil {
			log.Warn("provider domains", "err", err)
		}
		for _, d := range ds {
			zones.Provider[d.Name] = true
		}
	}
	if cfg.Tokens.Dynadot != "" {
		ds, err := s.config.Registrar(cfg.Tokens.Dynadot).ListDomain(ctx)
		if err != nil && !errors.Is(err, dynadot.ErrBadToken) {
			log.Warn("registrar domains", "err", err)
		}
		for _, d := range ds {
			zones.Registrar[d.Name] = true
		}
	}

	states, err := s.config.Sites.States(ctx, zones)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Config:   cfg,
		Packages: packages,
		Sites:    states,
		Statuses: statuses,
		System:   system,
	}, nil
}

func (s *Server) handleToken(c echo.Context) error {
	service, token := c.Param("service"), c.FormValue("token")
	if _, err := s.config.Config.Update(func(cfg *config.Config) error {
		return cfg.Tokens.Set(service, token)
	}); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

func (s *Server) handleSiteAdd(c echo.Context) error {
	if _, err := s.config.Sites.Add(c.Request().Context(), c.FormValue("site")); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

// siteParam returns the :site path parameter and whether it is a site name.
func siteParam(c echo.Context) (string, bool) {
	host := c.Param("site")
	return host, sitePattern.MatchString(host)
}

func (s *Server) handleSiteDelete(c echo.Context) error {
	host, ok := siteParam(c)
	if !ok {
		return echo.ErrNotFound
	}
	if err := s.config.Sites.Delete(host); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

func (s *Server) handleSiteDNS(c echo.Context) error {
	host, ok := siteParam(c)
	if !ok {
		return echo.ErrNotFound
	}
	cfg, err := s.config.Config.Load()
	if err != nil {
		return s.fail(c, err)
	}
	var reg site.Registrar
	if cfg.Tokens.Dynadot != "" {
		reg = s.config.Registrar(cfg.Tokens.Dynadot)
	}
	if err := s.config.Sites.PointDNS(c.Request().Context(), host, s.config.DNS(cfg.Tokens.DigitalOcean), reg); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

func (s *Server) handleSiteCertify(c echo.Context) error {
	host, ok := siteParam(c)
	if !ok {
		return echo.ErrNotFound
	}
	if err := s.config.Sites.Certify(c.Request().Context(), host); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

func (s *Server) handleSiteMount(c echo.Context) error {
	host, ok := siteParam(c)
	if !ok {
		return echo.ErrNotFound
	}
	app := c.FormValue("app")
	if !appPattern.MatchString(app) {
		return c.String(http.StatusBadRequest, "invalid app")
	}
	if err := s.config.Sites.Mount(c.Request().Context(), host, app); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

func (s *Server) handleAppInstall(c echo.Context) error {
	if err := s.config.Sites.InstallPackage(c.Request().Context(), c.FormValue("app")); err != nil {
		return s.fail(c, err)
	}
	return home(c)
}

// handleApp upgrades a package when the parameter is a package name and
// otherwise starts the app it names.
func (s *Server) handleApp(c echo.Context) error {
	x := c.Param("app")
	ctx := c.Request().Context()
	var err error
	switch {
	case pkgPattern.MatchString(x):
		err = s.config.Sites.UpgradePackage(ctx, x)
	case appPattern.MatchString(x):
		err = s.config.Sites.RunApp(ctx, x)
	default:
		return echo.ErrNotFound
	}
	if err != nil {
		return s.fail(c, err)
	}
	return home(c)
}
