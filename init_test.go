package ghost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const testPub = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIMqXgRLKG73K+sIxs5oj3E2nhu/4FHxOcrmAd4Wv7ki7 ghost@alpha"

type provider struct {
	droplet map[string]any
	keys    []string
}

// fakeProvider serves the slice of the DigitalOcean API that init uses.
func fakeProvider(t *testing.T, fx *fixture) *provider {
	t.Helper()
	p := &provider{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/account/keys", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ssh_keys":[]}`)
	})
	mux.HandleFunc("POST /v2/account/keys", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		p.keys = append(p.keys, body["name"])
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ssh_key":{"id":7,"name":"ghost"}}`)
	})
	mux.HandleFunc("POST /v2/droplets", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&p.droplet)
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"droplet":{"id":42,"name":"alpha","status":"new"}}`)
	})
	mux.HandleFunc("GET /v2/droplets/42/actions", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"actions":[{"id":1,"status":"completed","type":"create"}]}`)
	})
	mux.HandleFunc("GET /v2/droplets/42", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"droplet":{"id":42,"name":"alpha","status":"active","networks":{"v4":[{"ip_address":"10.0.0.2","type":"private"},{"ip_address":"`+testIP+`","type":"public"}]}}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	fx.config.DigitalOcean = func(token string) *digitalocean.Client {
		c := digitalocean.New(token)
		c.Endpoint = srv.URL + "/v2/"
		c.PollInterval = time.Millisecond
		return c
	}
	return p
}

func (fx *fixture) ssh(user, command string) string {
	key := filepath.Join(fx.config.Remote.Dir, "ghost_key")
	return "ssh -i " + key + " -tt -o IdentitiesOnly=yes -o StrictHostKeyChecking=no " + user + "@" + testIP + " " + command
}

func TestInit(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	fx := newFixture(t)
	p := fakeProvider(t, fx)

	r.NoError(os.WriteFile(filepath.Join(fx.config.Remote.Dir, "ghost_key.pub"), []byte(testPub+"\n"), 0o644))
	fx.config.Stdin = strings.NewReader("alpha\n")
	fx.config.ReadPassword = func() (string, error) { return "T\n", nil }

	get := fetch(fx.config.DistURL)
	fx.fake.Set(fx.ssh("ghost", get+" && ./ghost setup T"), shell.CmdResult{
		Stdout: "setting up base system..\n    https://" + testIP + "?secret=k3xp7z\n",
	})

	r.NoError(Run(context.Background(), fx.config, Init{}))

	a.Equal([]string{"ghost"}, p.keys)
	a.Equal("alpha", p.droplet["name"])
	a.Equal([]any{float64(7)}, p.droplet["ssh_keys"])

	a.Equal([]string{
		fx.ssh("root", "true"),
		fx.ssh("root", get+" && ./ghost spawn"),
		fx.ssh("ghost", get+" && ./ghost setup T"),
	}, fx.fake.Calls())
	a.Equal([]string{"https://" + testIP + "?secret=k3xp7z"}, fx.opened)

	out := fx.out.String()
	a.Contains(out, "spawning a new presence..\npresence name: digital ocean token: \n")
	a.Contains(out, "generating droplet..\nmachine initialized at: "+testIP+"\n")
	a.Contains(out, "setting up base system..\n")
}

func TestInitFetch(t *testing.T) {
	a := assert.New(t)

	a.Equal("wget https://gh.ost.lol/ghost -q -O ghost && "+
		"wget https://gh.ost.lol/ghost.sha256 -q -O ghost.sha256 && "+
		"sha256sum -c ghost.sha256 && chmod +x ghost", fetch(DefaultDistURL))
}

func TestInitPrompts(t *testing.T) {
	tests := []struct {
		_name    string
		password func() (string, error)
		stdin    string
		want     string
	}{
		{_name: "no name", stdin: "\n", password: func() (string, error) { return "T", nil }, want: "presence name is required"},
		{_name: "no token", stdin: "alpha\n", password: func() (string, error) { return " ", nil }, want: "token is required"},
		{_name: "token read fails", stdin: "alpha", password: func() (string, error) { return "", errors.New("not a terminal") }, want: "not a terminal"},
	}

	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)
			fx := newFixture(t)
			fx.config.Stdin = strings.NewReader(tt.stdin)
			fx.config.ReadPassword = tt.password

			err := Run(context.Background(), fx.config, Init{})
			a.ErrorContains(err, tt.want)
			a.Empty(fx.fake.Calls())
		})
	}
}

func TestInitUnreachable(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	fx := newFixture(t)
	fakeProvider(t, fx)

	r.NoError(os.WriteFile(filepath.Join(fx.config.Remote.Dir, "ghost_key.pub"), []byte(testPub+"\n"), 0o644))
	fx.config.Stdin = strings.NewReader("alpha\n")
	fx.config.ReadPassword = func() (string, error) { return "T", nil }
	fx.fake.Set(fx.ssh("root", "true"), shell.CmdResult{Code: 255})

	err := Run(context.Background(), fx.config, Init{})
	a.ErrorContains(err, "host unreachable")
	a.Len(fx.fake.Calls(), 2)
	a.Contains(fx.out.String(), "couldn't connect!")
}
