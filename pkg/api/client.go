package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

// Client talks to the admin server over its unix socket.
type Client struct {
	Socket string

	http *http.Client
}

func NewClient(socket string) *Client {
	return &Client{
		Socket: socket,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://ghost/health", nil)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "health")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.Newf("health: %s", res.Status)
	}
	return nil
}

// WaitHealthy polls Health until it succeeds or attempts run out.
func (c *Client) WaitHealthy(ctx context.Context, attempts int, interval time.Duration) error {
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		return retry.RetryableError(c.Health(ctx))
	})
}
