package nginx

import (
	"bytes"
	"context"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
	"gopkg.in/ini.v1"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

var Ciphers = strings.Join([]string{
	"ECDHE-RSA-AES256-GCM-SHA512",
	"DHE-RSA-AES256-GCM-SHA512",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"DHE-RSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES256-SHA384",
}, ":")

type vars struct {
	AppDir  string
	Ciphers string
	Conf    string
	ConfD   string
	Home    string
	Nginx   string
	Site    string
	SiteDir string
}

// Nginx renders and installs the proxy configuration of a ghost layout.
type Nginx struct {
	layout layout.Layout
	log    *slog.Logger
	sh     shell.Shell
}

func New(l layout.Layout, sh shell.Shell, log *slog.Logger) *Nginx {
	return &Nginx{layout: l, log: log, sh: sh}
}

func (n *Nginx) vars() vars {
	return vars{
		Ciphers: Ciphers,
		Conf:    n.layout.NginxConf(),
		ConfD:   n.layout.NginxConfD(),
		Home:    n.layout.Home,
		Nginx:   n.layout.Nginx(),
	}
}

func render(name string, v vars) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, v); err != nil {
		return nil, errors.Wrapf(err, "render %s", name)
	}
	return buf.Bytes(), nil
}

func (n *Nginx) Main() ([]byte, error) {
	return render("nginx.conf.tmpl", n.vars())
}

// Bootstrap is the plain HTTP vhost that answers ACME challenges for site
// and redirects everything else to HTTPS.
func (n *Nginx) Bootstrap(site string) ([]byte, error) {
	v := n.vars()
	v.Site = site
	v.SiteDir = n.layout.Site(site)
	return render("site-tls.conf.tmpl", v)
}

// App is the HTTPS vhost proxying site to app's unix socket.
func (n *Nginx) App(site, app string) ([]byte, error) {
	v := n.vars()
	v.AppDir = n.layout.App(app)
	v.Site = site
	v.SiteDir = n.layout.Site(site)
	return render("site-app.conf.tmpl", v)
}

// WriteMain writes the top-level nginx.conf and creates conf.d.
func (n *Nginx) WriteMain() (bool, error) {
	if err := os.MkdirAll(n.layout.NginxConfD(), 0o755); err != nil {
		return false, errors.Wrap(err, "conf.d")
	}
	data, err := n.Main()
	if err != nil {
		return false, err
	}
	return writeIfChanged(filepath.Join(n.layout.NginxConf(), "nginx.conf"), data)
}

func (n *Nginx) WriteBootstrap(site string) (bool, error) {
	data, err := n.Bootstrap(site)
	if err != nil {
		return false, err
	}
	return writeIfChanged(filepath.Join(n.layout.NginxConfD(), site+".conf"), data)
}

func (n *Nginx) WriteApp(site, app string) (bool, error) {
	data, err := n.App(site, app)
	if err != nil {
		return false, err
	}
	return writeIfChanged(filepath.Join(n.layout.NginxConfD(), site+"-app.conf"), data)
}

func writeIfChanged(path string, data []byte) (bool, error) {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, errors.Wrap(err, "mkdir")
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return false, errors.Wrapf(err, "write %s", filepath.Base(path))
	}
	return true, nil
}

func (n *Nginx) DHParamPath() string {
	return filepath.Join(n.layout.NginxConf(), "dhparam.pem")
}

// DHParam generates the Diffie-Hellman prime unless one already exists.
func (n *Nginx) DHParam(ctx context.Context, bits int) error {
	if layout.Exists(n.DHParamPath()) {
		return nil
	}
	return n.RegenerateDHParam(ctx, bits)
}

// RegenerateDHParam replaces the prime, for machines cloned from an image.
func (n *Nginx) RegenerateDHParam(ctx context.Context, bits int) error {
	n.log.Info("generating a large prime for TLS", "bits", bits)
	_, err := n.sh.Run(ctx, "openssl", "dhparam", "-out", n.DHParamPath(), strconv.Itoa(bits))
	return errors.Wrap(err, "dhparam")
}

// RequestConfig is the openssl request config for a self-signed IP cert.
func RequestConfig(ip string) ([]byte, error) {
	f := ini.Empty()
	sections := []struct {
		keys [][2]string
		name string
	}{
		{
			keys: [][2]string{
				{"distinguished_name", "req_distinguished_name"},
				{"prompt", "no"},
			},
			name: "req",
		},
		{
			keys: [][2]string{
				{"countryName", "XX"},
				{"stateOrProvinceName", "N/A"},
				{"localityName", "N/A"},
				{"organizationName", "self-signed"},
				{"commonName", ip + ": self-signed"},
			},
			name: "req_distinguished_name",
		},
	}
	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return nil, errors.Wrap(err, "section")
		}
		for _, kv := range s.keys {
			if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
				return nil, errors.Wrap(err, "key")
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "render")
	}
	return buf.Bytes(), nil
}

// SelfSigned writes domain.key and domain.crt into dir for a raw IP site,
// which public CAs will not certify.
func (n *Nginx) SelfSigned(ctx context.Context, dir, ip string) error {
	cnf, err := RequestConfig(ip)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	if err := atomic.WriteFile(filepath.Join(dir, "domain.cnf"), bytes.NewReader(cnf)); err != nil {
		return errors.Wrap(err, "write domain.cnf")
	}
	_, err = n.sh.WithDir(dir).Run(ctx, "openssl", "req", "-x509", "-nodes", "-days", "365",
		"-newkey", "rsa:2048", "-keyout", "domain.key", "-out", "domain.crt", "-config", "domain.cnf")
	return errors.Wrap(err, "self-signed certificate")
}

// Reload restarts nginx under supervisor.
func (n *Nginx) Reload(ctx context.Context) error {
	_, err := n.sh.Run(ctx, "sudo", "supervisorctl", "restart", "nginx")
	return errors.Wrap(err, "restart nginx")
}
