package site

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/housecat-inc/ghost/pkg/layout"
)

const HSTSEndpoint = "https://hstspreload.org/api/v2/status"

// HSTS reports whether a host is on the browsers' HSTS preload list.
type HSTS interface {
	Preloaded(ctx context.Context, host string) (bool, error)
}

type HSTSClient struct {
	Endpoint string

	http *http.Client
}

func NewHSTSClient() *HSTSClient {
	return &HSTSClient{
		Endpoint: HSTSEndpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HSTSClient) Preloaded(ctx context.Context, host string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+url.Values{"domain": {host}}.Encode(), nil)
	if err != nil {
		return false, errors.Wrap(err, "request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "hstspreload")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, errors.Newf("hstspreload: %s", res.Status)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return false, errors.Wrap(err, "decode")
	}
	return body.Status == "preloaded", nil
}

// State is what the admin page shows for one site. The first four fields
// order sites for display.
type State struct {
	Suffix    string
	Domain    string
	Subdomain string
	Path      string

	App        string
	ARecord    string
	Certified  bool
	Host       string
	IP         bool
	NS         []string
	OnProvider bool
	Preloaded  bool
	Registered bool
}

// Zones holds the apex domains the DNS provider and the registrar know.
// Nil maps know nothing.
type Zones struct {
	Provider  map[string]bool
	Registrar map[string]bool
}

// Pointed reports whether the site's A record resolves to ip.
func (s State) Pointed(ip string) bool {
	return s.IP || s.ARecord == ip
}

// Delegated reports whether the site's domain uses the infra nameservers.
func (s State) Delegated() bool {
	return Delegated(s.NS)
}

func compareStates(a, b State) int {
	return cmp.Or(
		cmp.Compare(a.Suffix, b.Suffix),
		cmp.Compare(a.Domain, b.Domain),
		cmp.Compare(a.Subdomain, b.Subdomain),
		cmp.Compare(a.Path, b.Path),
	)
}

// States derives the state of every site, looking up DNS and the preload
// list for a few sites at a time.
func (s *Sites) States(ctx context.Context, z Zones) ([]State, error) {
	hosts, err := s.List()
	if err != nil {
		return nil, err
	}
	cfg, err := s.config.Config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	states := make([]State, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, host := range hosts {
		g.Go(func() error {
			states[i] = s.state(gctx, host, cfg.Websites[host], z)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(states, compareStates)
	return states, nil
}

func (s *Sites) state(ctx context.Context, host, app string, z Zones) State {
	dir := s.config.Layout.Site(host)
	st := State{
		App:       app,
		Certified: layout.Exists(filepath.Join(dir, "domain.crt")),
		Host:      host,
		Path:      dir,
	}

	n, err := Parse(host)
	if err != nil {
		return st
	}
	if n.IP {
		st.IP = true
		return st
	}
	apex := n.Apex()
	st.Suffix, st.Domain, st.Subdomain = n.Suffix, n.Domain, n.Subdomain
	st.OnProvider, st.Registered = z.Provider[apex], z.Registrar[apex]
	st.ARecord = s.aRecord(ctx, host)
	st.NS = s.nameservers(ctx, apex)
	if s.config.HSTS != nil {
		preloaded, err := s.config.HSTS.Preloaded(ctx, host)
		if err != nil {
			s.config.Log.Debug("hsts preload", "site", host, "err", err)
		}
		st.Preloaded = preloaded
	}
	return st
}
