package api

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/site"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

func TestIndexRender(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	p := Page{
		Packages: []site.Package{{Apps: []string{"canopy:app", "canopy:docs"}, Name: "canopy", Version: "0.0.22"}},
		Sites: []site.State{
			{Host: ip, IP: true, Certified: true},
			{ARecord: ip, Certified: true, Domain: "example", Host: "example.org", Suffix: "org"},
		},
		Statuses: map[string]supervisor.Status{"canopy:app": {App: "canopy:app", PID: "13", State: "RUNNING", Uptime: "0:05:00"}},
		System:   site.System{Hostname: "<alpha>", IP: ip},
	}

	var b bytes.Buffer
	r.NoError(Index(p).Render(context.Background(), &b))
	html := b.String()

	for _, s := range []string{
		"<title>&lt;alpha&gt;</title>",
		`<li id="site-example.org"><h3>example.org</h3>`,
		`<form action="/sites/example.org/mount" method="post">`,
		`<option value="canopy:app">canopy:app (running)</option>`,
		`<option value="canopy:docs">canopy:docs</option>`,
		`<form action="/sites/example.org" method="post"><input type="hidden" name="_http_method" value="DELETE">`,
		`<span>canopy:app</span> <small class="good">running 13 0:05:00</small>`,
		`<form action="/apps/canopy:docs" method="post"><span>canopy:docs</span> <button>Run</button></form>`,
	} {
		a.Contains(html, s)
	}
	a.NotContains(html, `action="/sites/`+ip+`" method="post"`)
}

func TestLandingRender(t *testing.T) {
	a := assert.New(t)

	var b bytes.Buffer
	a.NoError(Landing().Render(context.Background(), &b))
	a.Contains(b.String(), "<pre>"+Logo+"</pre>")
	a.Contains(b.String(), `wget <a href="/ghost">gh.ost.lol/ghost</a> -q &amp;&amp; chmod +x ghost`)
}
