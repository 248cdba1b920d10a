package build

import (
	"context"
	_ "embed"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

//go:embed upstreams.yaml
var upstreamsYAML []byte

// Upstream is one pinned third-party component. Prebuilt names the entry a
// release archive unpacks to; when empty the component is built from source.
type Upstream struct {
	Bin       string   `yaml:"bin"`
	Check     []string `yaml:"check"`
	Configure []string `yaml:"configure"`
	Name      string   `yaml:"name"`
	Prebuilt  string   `yaml:"prebuilt"`
	URL       string   `yaml:"url"`
	Version   string   `yaml:"version"`
}

func Upstreams() ([]Upstream, error) {
	var us []Upstream
	if err := yaml.Unmarshal(upstreamsYAML, &us); err != nil {
		return nil, errors.Wrap(err, "upstreams")
	}
	return us, nil
}

func (u Upstream) Archive() string {
	return path.Base(u.URL)
}

// Stem is the archive name without its tarball extension.
func (u Upstream) Stem() string {
	a := u.Archive()
	for _, ext := range []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tgz", ".zip"} {
		if s, ok := strings.CutSuffix(a, ext); ok {
			return s
		}
	}
	return a
}

// Title is the human form of the stem: Python-3.9.2 becomes Python 3.9.2.
func (u Upstream) Title() string {
	return strings.ReplaceAll(u.Stem(), "-", " ")
}

type State string

const (
	StateCached    State = "cached"
	StateInstalled State = "installed"
	StateBuilt     State = "built"
	StateFetched   State = "fetched"
)

type Config struct {
	Attempts int
	Delay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Delay:    3 * time.Second,
	}
}

// Pipeline builds and installs pinned upstreams into a ghost layout. Every
// step is skipped when its output is already on disk, so running it twice
// does no work the second time.
type Pipeline struct {
	config    Config
	layout    layout.Layout
	log       *slog.Logger
	sh        shell.Shell
	upstreams []Upstream
}

func New(cfg Config, l layout.Layout, sh shell.Shell, log *slog.Logger) (*Pipeline, error) {
	us, err := Upstreams()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		config:    cfg,
		layout:    l,
		log:       log,
		sh:        sh,
		upstreams: us,
	}, nil
}

func (p *Pipeline) Upstream(name string) (Upstream, error) {
	for _, u := range p.upstreams {
		if u.Name == name {
			return u, nil
		}
	}
	return Upstream{}, errors.Newf("unknown upstream %q", name)
}

func (p *Pipeline) expand(s string) string {
	return strings.NewReplacer(
		"{nginx}", p.layout.Nginx(),
		"{src}", p.layout.Src(),
		"{system}", p.layout.System(),
	).Replace(s)
}

// BinPath is where the upstream's main executable lands once installed.
func (p *Pipeline) BinPath(u Upstream) string {
	return p.expand(u.Bin)
}

// Install runs the upstream through its state machine and reports how far
// back it had to start.
func (p *Pipeline) Install(ctx context.Context, u Upstream) (State, error) {
	if layout.Exists(p.BinPath(u)) {
		return StateCached, nil
	}
	p.log.Info("installing " + u.Title())
	if u.Prebuilt != "" {
		return p.installPrebuilt(ctx, u)
	}
	return p.installSource(ctx, u)
}

func (p *Pipeline) installSource(ctx context.Context, u Upstream) (State, error) {
	src := p.sh.WithDir(p.layout.Src())
	dir := filepath.Join(p.layout.Src(), u.Stem())

	state := StateInstalled
	if !layout.Exists(dir) {
		var err error
		if state, err = p.fetch(ctx, u); err != nil {
			return state, err
		}
		p.log.Info("  extracting")
		if _, err := src.Run(ctx, "tar", "xf", u.Archive()); err != nil {
			return state, errors.Wrap(err, "extract")
		}

		args := make([]string, 0, len(u.Configure)+1)
		args = append(args, "./configure")
		for _, a := range u.Configure {
			args = append(args, p.expand(a))
		}
		p.log.Info("  configuring")
		if _, err := src.WithDir(dir).Run(ctx, "bash", args...); err != nil {
			return state, errors.Wrap(err, "configure")
		}

		p.log.Info("  making")
		if _, err := src.WithDir(dir).Run(ctx, "make"); err != nil {
			return state, errors.Wrap(err, "make")
		}
	}

	p.log.Info("  installing")
	if _, err := src.WithDir(dir).Run(ctx, "make", "install"); err != nil {
		return state, errors.Wrap(err, "make install")
	}
	return state, nil
}

// installPrebuilt unpacks a release archive into src/<name>-<version> and
// links its executable into the system bin directory.
func (p *Pipeline) installPrebuilt(ctx context.Context, u Upstream) (State, error) {
	src := p.sh.WithDir(p.layout.Src())
	dest := filepath.Join(p.layout.Src(), u.Name+"-"+u.Version)

	state := StateInstalled
	if !layout.Exists(dest) {
		var err error
		if state, err = p.fetch(ctx, u); err != nil {
			return state, err
		}
		p.log.Info("  extracting")
		if _, err := src.Run(ctx, "tar", "xf", u.Archive()); err != nil {
			return state, errors.Wrap(err, "extract")
		}
		if info, err := os.Stat(filepath.Join(p.layout.Src(), u.Prebuilt)); err == nil && !info.IsDir() {
			if _, err := src.Run(ctx, "mkdir", "-p", dest); err != nil {
				return state, errors.Wrap(err, "mkdir")
			}
			if _, err := src.Run(ctx, "mv", u.Prebuilt, dest+"/"); err != nil {
				return state, errors.Wrap(err, "move")
			}
		} else if _, err := src.Run(ctx, "mv", u.Prebuilt, dest); err != nil {
			return state, errors.Wrap(err, "move")
		}
	}

	p.log.Info("  installing")
	bin := p.BinPath(u)
	if _, err := src.Run(ctx, "ln", "-sf", filepath.Join(dest, filepath.Base(bin)), bin); err != nil {
		return state, errors.Wrap(err, "link")
	}
	return state, nil
}

// fetch downloads the upstream archive unless it is already present.
func (p *Pipeline) fetch(ctx context.Context, u Upstream) (State, error) {
	archive := filepath.Join(p.layout.Src(), u.Archive())
	if layout.Exists(archive) {
		return StateBuilt, nil
	}
	p.log.Info("  downloading")
	if err := p.Download(ctx, u.URL, archive); err != nil {
		return StateFetched, err
	}
	return StateFetched, nil
}

// Download fetches url to dest with wget, retrying with a constant backoff.
// A failed attempt leaves no partial file behind.
func (p *Pipeline) Download(ctx context.Context, url, dest string) error {
	attempts := max(p.config.Attempts, 1)
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(p.config.Delay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := p.sh.WithDir(filepath.Dir(dest)).Run(ctx, "wget", "-q", url, "-O", dest)
		if err != nil {
			os.Remove(dest)
			return retry.RetryableError(err)
		}
		return nil
	})
	return errors.Wrapf(err, "download %s", url)
}

// Verify runs the installed executable's version flag and checks that it
// reports the pinned version.
func (p *Pipeline) Verify(ctx context.Context, u Upstream) error {
	if len(u.Check) == 0 {
		return nil
	}
	res, err := p.sh.Run(ctx, p.BinPath(u), u.Check...)
	if err != nil {
		return errors.Wrapf(err, "verify %s", u.Name)
	}
	if !strings.Contains(res.Stdout+res.Stderr, u.Version) {
		return errors.Newf("%s reports %q, want %s", u.Name, strings.TrimSpace(res.Stdout+res.Stderr), u.Version)
	}
	return nil
}

// Component installs and verifies the named upstream.
func (p *Pipeline) Component(ctx context.Context, name string) error {
	u, err := p.Upstream(name)
	if err != nil {
		return err
	}
	if _, err := p.Install(ctx, u); err != nil {
		return errors.Wrapf(err, "install %s", u.Title())
	}
	return p.Verify(ctx, u)
}

func (p *Pipeline) Tor(ctx context.Context) error {
	if err := p.Component(ctx, "tor"); err != nil {
		return err
	}
	return errors.Wrap(os.MkdirAll(filepath.Join(p.layout.Var(), "tor"), 0o755), "tor data dir")
}

func (p *Pipeline) Firefox(ctx context.Context) error {
	return p.Component(ctx, "firefox")
}

func (p *Pipeline) Geckodriver(ctx context.Context) error {
	return p.Component(ctx, "geckodriver")
}
