package site

import (
	"context"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/publicsuffix"

	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/nginx"
	"github.com/housecat-inc/ghost/pkg/shell"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

var (
	ErrInvalidHostname = errors.New("invalid hostname")
	ErrNotCertified    = errors.New("site has no certificate")
	ErrUnknownSuffix   = errors.New("unknown suffix")
)

var validate = validator.New()

// Name is a hostname split at its public suffix. For example.co.uk the
// domain is example and the suffix co.uk; IP literals have neither.
type Name struct {
	Domain    string
	Host      string
	IP        bool
	Subdomain string
	Suffix    string
}

// Apex is the registrable domain, such as example.co.uk.
func (n Name) Apex() string {
	if n.IP {
		return n.Host
	}
	return n.Domain + "." + n.Suffix
}

func Parse(host string) (Name, error) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if err := validate.Var(host, "required,fqdn|ipv4"); err != nil {
		return Name{}, errors.Wrapf(ErrInvalidHostname, "%q", host)
	}
	if net.ParseIP(host) != nil {
		return Name{Host: host, IP: true}, nil
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return Name{}, errors.Wrapf(ErrUnknownSuffix, "%q", host)
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return Name{}, errors.Wrapf(ErrUnknownSuffix, "%q", host)
	}
	return Name{
		Domain:    strings.TrimSuffix(apex, "."+suffix),
		Host:      host,
		Subdomain: strings.TrimSuffix(strings.TrimSuffix(host, apex), "."),
		Suffix:    suffix,
	}, nil
}

type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

type Certifier interface {
	Certify(ctx context.Context, host, webroot, dir string) error
}

type Config struct {
	ACME       Certifier
	Config     *config.Store
	HSTS       HSTS
	Index      Index
	Layout     layout.Layout
	Log        *slog.Logger
	Nginx      *nginx.Nginx
	Resolver   Resolver
	Shell      shell.Shell
	Supervisor *supervisor.Manager
}

// Sites manages the sites and apps of one presence.
type Sites struct {
	config Config
}

func New(cfg Config) *Sites {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Sites{config: cfg}
}

// IP is the machine's primary address, the first one hostname reports.
func (s *Sites) IP(ctx context.Context) (string, error) {
	res, err := s.config.Shell.Run(ctx, "hostname", "-I")
	if err != nil {
		return "", errors.Wrap(err, "hostname")
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", errors.New("hostname -I: no address")
	}
	return fields[0], nil
}

type System struct {
	Hostname string
	IP       string
	Uptime   string
}

func (s *Sites) System(ctx context.Context) (System, error) {
	ip, err := s.IP(ctx)
	if err != nil {
		return System{}, err
	}
	hostname, err := s.config.Shell.Run(ctx, "hostname", "--fqdn")
	if err != nil {
		return System{}, errors.Wrap(err, "hostname")
	}
	uptime, err := s.config.Shell.Run(ctx, "uptime")
	if err != nil {
		return System{}, errors.Wrap(err, "uptime")
	}
	return System{
		Hostname: strings.TrimSpace(hostname.Stdout),
		IP:       ip,
		Uptime:   strings.TrimSpace(uptime.Stdout),
	}, nil
}

// List returns the names of all site directories, sorted.
func (s *Sites) List() ([]string, error) {
	entries, err := os.ReadDir(s.config.Layout.Sites())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read sites")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Add creates the site directory for host. IP literals are only accepted
// for the machine's own address.
func (s *Sites) Add(ctx context.Context, host string) (Name, error) {
	n, err := Parse(host)
	if err != nil {
		return Name{}, err
	}
	if n.IP {
		ip, err := s.IP(ctx)
		if err != nil {
			return Name{}, err
		}
		if n.Host != ip {
			return Name{}, errors.Wrapf(ErrUnknownSuffix, "%q", n.Host)
		}
	}
	if err := os.MkdirAll(s.config.Layout.Site(n.Host), 0o755); err != nil {
		return Name{}, errors.Wrap(err, "mkdir site")
	}
	s.config.Log.Info("site added", "site", n.Host)
	return n, nil
}

// Delete removes the site directory and nothing else.
func (s *Sites) Delete(host string) error {
	n, err := Parse(host)
	if err != nil {
		return err
	}
	return errors.Wrap(os.RemoveAll(s.config.Layout.Site(n.Host)), "remove site")
}

// Certify serves ACME challenges for host over plain HTTP and swaps in a
// CA-issued certificate.
func (s *Sites) Certify(ctx context.Context, host string) error {
	n, err := Parse(host)
	if err != nil {
		return err
	}
	if n.IP {
		return errors.Newf("%s: certificates are only issued for DNS names", n.Host)
	}
	dir := s.config.Layout.Site(n.Host)
	if !layout.Exists(dir) {
		return errors.Newf("unknown site %s", n.Host)
	}

	if _, err := s.config.Nginx.WriteBootstrap(n.Host); err != nil {
		return err
	}
	if err := s.config.Nginx.Reload(ctx); err != nil {
		return err
	}
	if err := s.config.ACME.Certify(ctx, n.Host, dir, dir); err != nil {
		return errors.Wrapf(err, "certify %s", n.Host)
	}
	s.config.Log.Info("site certified", "site", n.Host)
	return nil
}
