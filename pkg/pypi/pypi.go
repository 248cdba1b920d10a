package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/mod/semver"
)

const Endpoint = "https://pypi.org/pypi"

var ErrNotFound = errors.New("pypi: package not found")

type Release struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Version string `json:"version"`
}

type Client struct {
	Endpoint string

	http *http.Client
}

func New() *Client {
	return &Client{
		Endpoint: Endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest returns the newest release PyPI knows for name.
func (c *Client) Latest(ctx context.Context, name string) (Release, error) {
	u := fmt.Sprintf("%s/%s/json", c.Endpoint, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Release{}, errors.Wrap(err, "request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return Release{}, errors.Wrap(err, "pypi")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return Release{}, errors.Wrap(ErrNotFound, name)
	}
	if res.StatusCode != http.StatusOK {
		return Release{}, errors.Newf("pypi %s: %s", name, res.Status)
	}

	var body struct {
		Info Release `json:"info"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Release{}, errors.Wrap(err, "decode")
	}
	return body.Info, nil
}

// Newer reports whether latest is a newer version than installed. Versions
// that are not plain dotted numbers compare by inequality.
func Newer(installed, latest string) bool {
	i, l := canonical(installed), canonical(latest)
	if semver.IsValid(i) && semver.IsValid(l) {
		return semver.Compare(l, i) > 0
	}
	return latest != "" && installed != latest
}

func canonical(v string) string {
	return "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
}
