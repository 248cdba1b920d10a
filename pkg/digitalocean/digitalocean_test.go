package digitalocean_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
)

type call struct {
	auth   string
	body   map[string]any
	method string
	path   string
	query  string
}

func serve(t *testing.T, status int, body string) (*digitalocean.Client, *call) {
	t.Helper()
	got := &call{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.body = nil
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &got.body)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	c := digitalocean.New("T")
	c.Endpoint = srv.URL + "/v2/"
	c.PollInterval = time.Millisecond
	return c, got
}

func TestCreateDroplet(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	c, got := serve(t, http.StatusAccepted, `{"droplet":{"id":42,"name":"alpha","status":"new"}}`)
	d, err := c.CreateDroplet(context.Background(), digitalocean.DropletIn{Name: "alpha", SSHKeys: []int{7}})
	r.NoError(err)

	a.Equal(42, d.ID)
	a.Equal("Bearer T", got.auth)
	a.Equal(http.MethodPost, got.method)
	a.Equal("/v2/droplets", got.path)
	a.Equal("alpha", got.body["name"])
	a.Equal("sfo2", got.body["region"])
	a.Equal("s-1vcpu-1gb", got.body["size"])
	a.Equal("debian-10-x64", got.body["image"])
	a.Equal([]any{float64(7)}, got.body["ssh_keys"])
}

func TestCreateDomain(t *testing.T) {
	tests := []struct {
		_name  string
		body   string
		exists bool
		err    string
		status int
	}{
		{
			_name:  "created",
			body:   `{"domain":{"name":"example.org","ttl":1800}}`,
			status: http.StatusCreated,
		},
		{
			_name:  "exists",
			body:   `{"id":"unprocessable_entity","message":"Name already exists"}`,
			err:    "422",
			exists: true,
			status: http.StatusUnprocessableEntity,
		},
		{
			_name:  "server error",
			body:   `{"id":"server_error"}`,
			err:    "500",
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			c, got := serve(t, tt.status, tt.body)
			_, err := c.CreateDomain(context.Background(), "example.org", "203.0.113.7")
			a.Equal("/v2/domains", got.path)
			a.Equal("203.0.113.7", got.body["ip_address"])
			if tt.err == "" {
				a.NoError(err)
				return
			}
			a.ErrorContains(err, tt.err)
			a.Equal(tt.exists, errors.Is(err, digitalocean.ErrDomainExists))
		})
	}
}

func TestUnauthorized(t *testing.T) {
	a := assert.New(t)

	c, _ := serve(t, http.StatusUnauthorized, `{"id":"unauthorized"}`)
	_, err := c.GetKeys(context.Background())
	a.True(errors.Is(err, digitalocean.ErrUnauthorized))

	var apiErr *digitalocean.APIError
	a.True(errors.As(err, &apiErr))
	a.Equal(http.StatusUnauthorized, apiErr.Status)
}

func TestQueries(t *testing.T) {
	tests := []struct {
		_name string
		call  func(*digitalocean.Client) error
		path  string
		query string
	}{
		{
			_name: "images",
			call: func(c *digitalocean.Client) error {
				_, err := c.GetImages(context.Background())
				return err
			},
			path:  "/v2/images",
			query: "per_page=200",
		},
		{
			_name: "snapshots of droplets",
			call: func(c *digitalocean.Client) error {
				_, err := c.GetSnapshotsOfDroplets(context.Background())
				return err
			},
			path:  "/v2/snapshots",
			query: "resource_type=droplet",
		},
		{
			_name: "droplet snapshots",
			call: func(c *digitalocean.Client) error {
				_, err := c.GetDropletSnapshots(context.Background(), 42)
				return err
			},
			path: "/v2/droplets/42/snapshots",
		},
		{
			_name: "domain records",
			call: func(c *digitalocean.Client) error {
				_, err := c.GetDomainRecords(context.Background(), "example.org")
				return err
			},
			path: "/v2/domains/example.org/records",
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			c, got := serve(t, http.StatusOK, `{}`)
			a.NoError(tt.call(c))
			a.Equal(http.MethodGet, got.method)
			a.Equal(tt.path, got.path)
			a.Equal(tt.query, got.query)
		})
	}
}

func TestActions(t *testing.T) {
	a := assert.New(t)

	c, got := serve(t, http.StatusCreated, `{"action":{"id":9,"status":"in-progress","type":"snapshot"}}`)
	act, err := c.TakeSnapshot(context.Background(), 42, "alpha-1")
	a.NoError(err)
	a.Equal(9, act.ID)
	a.Equal("/v2/droplets/42/actions", got.path)
	a.Equal(map[string]any{"type": "snapshot", "name": "alpha-1"}, got.body)

	_, err = c.ShutdownDroplet(context.Background(), 42)
	a.NoError(err)
	a.Equal(map[string]any{"type": "shutdown"}, got.body)
}

func TestUpdateDomainRecord(t *testing.T) {
	a := assert.New(t)

	c, got := serve(t, http.StatusOK, `{"domain_record":{"id":3,"name":"@","type":"A","data":"203.0.113.7"}}`)
	rec, err := c.UpdateDomainRecord(context.Background(), "example.org", 3, map[string]any{"data": "203.0.113.7"})
	a.NoError(err)
	a.Equal("203.0.113.7", rec.Data)
	a.Equal(http.MethodPut, got.method)
	a.Equal("/v2/domains/example.org/records/3", got.path)
}

func TestDeleteDroplet(t *testing.T) {
	tests := []struct {
		_name  string
		out    bool
		status int
	}{
		{_name: "no content", out: true, status: http.StatusNoContent},
		{_name: "accepted", out: false, status: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			c, got := serve(t, tt.status, "")
			ok, err := c.DeleteDroplet(context.Background(), 42)
			a.NoError(err)
			a.Equal(tt.out, ok)
			a.Equal(http.MethodDelete, got.method)
		})
	}
}

func TestWaitDroplet(t *testing.T) {
	a := assert.New(t)

	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			io.WriteString(w, `{"actions":[{"id":1,"status":"in-progress","type":"create"}]}`)
			return
		}
		io.WriteString(w, `{"actions":[{"id":1,"status":"completed","type":"create"}]}`)
	}))
	defer srv.Close()

	c := digitalocean.New("T")
	c.Endpoint = srv.URL + "/v2/"
	c.PollInterval = time.Millisecond

	a.NoError(c.WaitDroplet(context.Background(), 42))
	a.Equal(int32(3), n.Load())
}

func TestPublicIPv4(t *testing.T) {
	a := assert.New(t)

	d := digitalocean.Droplet{Networks: digitalocean.Networks{V4: []digitalocean.Network{
		{IPAddress: "10.0.0.2", Type: "private"},
		{IPAddress: "203.0.113.7", Type: "public"},
	}}}
	a.Equal("203.0.113.7", d.PublicIPv4())
	a.Equal("", digitalocean.Droplet{}.PublicIPv4())
}
