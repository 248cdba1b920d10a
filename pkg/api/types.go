package api

import (
	"strings"

	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/site"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

// Page is everything the admin page shows.
type Page struct {
	Config   config.Config
	Packages []site.Package
	Sites    []site.State
	Statuses map[string]supervisor.Status
	System   site.System
}

// Apps lists every app id the installed packages provide.
func (p Page) Apps() []string {
	var out []string
	for _, pkg := range p.Packages {
		out = append(out, pkg.Apps...)
	}
	return out
}

// action is the next step offered for a site that has no app mounted.
type action int

const (
	actionMount action = iota
	actionNone
	actionPointA
	actionPointNS
	actionCertify
)

// siteView is one site's state reduced to what the page renders.
type siteView struct {
	Action    action
	App       string
	Blocked   string
	Good      []string
	Bad       []string
	Deletable bool
	Host      string
}

func (p Page) siteView(st site.State) siteView {
	v := siteView{
		App:       p.Config.Websites[st.Host],
		Deletable: st.Host != p.System.IP,
		Host:      st.Host,
	}
	if v.App != "" {
		v.Good = append(v.Good, v.App+" is mounted")
		if st.Preloaded {
			v.Good = append(v.Good, "HSTS is preloaded")
		}
		return v
	}

	if st.Pointed(p.System.IP) {
		if st.ARecord != "" {
			v.Good = append(v.Good, st.ARecord)
		}
		if !st.Certified {
			v.Bad = append(v.Bad, "TLS not enabled")
			v.Action = actionCertify
			return v
		}
		v.Good = append(v.Good, "TLS enabled")
		if !st.IP {
			if st.Preloaded {
				v.Good = append(v.Good, "HSTS preloaded")
			} else {
				v.Bad = append(v.Bad, "HSTS not preloaded")
			}
		}
		return v
	}

	if st.ARecord == "" {
		v.Bad = append(v.Bad, "no A record")
	} else {
		v.Bad = append(v.Bad, st.ARecord)
	}
	if st.Delegated() {
		if st.OnProvider {
			v.Good = append(v.Good, "zone on DigitalOcean")
		}
		v.Action = actionPointA
		return v
	}
	v.Bad = append(v.Bad, "current nameservers: "+strings.Join(st.NS, ", "))
	if st.Registered {
		v.Action = actionPointNS
		return v
	}
	v.Action = actionNone
	if p.Config.Tokens.Dynadot != "" {
		v.Blocked = "cannot continue (domain not found in Dynadot account)"
	} else {
		v.Blocked = "cannot continue (no Dynadot access)"
	}
	return v
}

