package pypi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/pypi"
)

func TestLatest(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path = req.URL.Path
		if req.URL.Path == "/pypi/missing/json" {
			http.NotFound(w, req)
			return
		}
		io.WriteString(w, `{"info":{"name":"canopy","summary":"A website.","version":"0.0.22"},"releases":{}}`)
	}))
	defer srv.Close()

	c := pypi.New()
	c.Endpoint = srv.URL + "/pypi"

	rel, err := c.Latest(context.Background(), "canopy")
	r.NoError(err)
	a.Equal("/pypi/canopy/json", path)
	a.Equal(pypi.Release{Name: "canopy", Summary: "A website.", Version: "0.0.22"}, rel)

	_, err = c.Latest(context.Background(), "missing")
	a.True(errors.Is(err, pypi.ErrNotFound))
}

func TestNewer(t *testing.T) {
	tests := []struct {
		_name     string
		installed string
		latest    string
		newer     bool
	}{
		{
			_name:     "patch",
			installed: "0.0.21",
			latest:    "0.0.22",
			newer:     true,
		},
		{
			_name:     "same",
			installed: "1.2.0",
			latest:    "1.2.0",
		},
		{
			_name:     "older on index",
			installed: "1.10.0",
			latest:    "1.9.0",
		},
		{
			_name:     "short form",
			installed: "1.0",
			latest:    "1.1",
			newer:     true,
		},
		{
			_name:     "pre-release",
			installed: "2.0rc1",
			latest:    "2.0",
			newer:     true,
		},
		{
			_name:     "unknown latest",
			installed: "2.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)
			a.Equal(tt.newer, pypi.Newer(tt.installed, tt.latest))
		})
	}
}
