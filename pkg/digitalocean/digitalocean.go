package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
)

const Endpoint = "https://api.digitalocean.com/v2/"

var (
	ErrDomainExists = errors.New("domain exists")
	ErrUnauthorized = errors.New("digitalocean: unauthorized")
)

type APIError struct {
	Body   string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("digitalocean: %d: %s", e.Status, e.Body)
}

type Key struct {
	Fingerprint string `json:"fingerprint"`
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
}

type Domain struct {
	Name     string `json:"name"`
	TTL      int    `json:"ttl"`
	ZoneFile string `json:"zone_file"`
}

type Record struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
	Name string `json:"name"`
	TTL  int    `json:"ttl,omitempty"`
	Type string `json:"type"`
}

type Network struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

type Networks struct {
	V4 []Network `json:"v4"`
	V6 []Network `json:"v6"`
}

type Droplet struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Networks Networks `json:"networks"`
	Status   string   `json:"status"`
	Tags     []string `json:"tags"`
}

// PublicIPv4 returns the first public v4 address, or "" while none is assigned.
func (d Droplet) PublicIPv4() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			return n.IPAddress
		}
	}
	return ""
}

type Action struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

type Snapshot struct {
	CreatedAt    string   `json:"created_at"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ResourceID   string   `json:"resource_id"`
	ResourceType string   `json:"resource_type"`
	Regions      []string `json:"regions"`
}

type Image struct {
	Distribution string `json:"distribution"`
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
}

type DropletIn struct {
	Image   string   `json:"image"`
	Name    string   `json:"name"`
	Region  string   `json:"region"`
	Size    string   `json:"size"`
	SSHKeys []int    `json:"ssh_keys"`
	Tags    []string `json:"tags,omitempty"`
}

func (in DropletIn) withDefaults() DropletIn {
	if in.Region == "" {
		in.Region = "sfo2"
	}
	if in.Size == "" {
		in.Size = "s-1vcpu-1gb"
	}
	if in.Image == "" {
		in.Image = "debian-10-x64"
	}
	return in
}

type Client struct {
	Endpoint     string
	PollInterval time.Duration

	http *http.Client
}

func New(token string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &Client{
		Endpoint:     Endpoint,
		PollInterval: time.Second,
		http:         oauth2.NewClient(context.Background(), src),
	}
}

func (c *Client) GetKeys(ctx context.Context) ([]Key, error) {
	var out struct {
		SSHKeys []Key `json:"ssh_keys"`
	}
	return out.SSHKeys, c.do(ctx, http.MethodGet, "account/keys", nil, nil, &out)
}

func (c *Client) AddKey(ctx context.Context, name, pub string) (Key, error) {
	var out struct {
		SSHKey Key `json:"ssh_key"`
	}
	body := map[string]string{"name": name, "public_key": pub}
	return out.SSHKey, c.do(ctx, http.MethodPost, "account/keys", nil, body, &out)
}

func (c *Client) GetDomains(ctx context.Context) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	return out.Domains, c.do(ctx, http.MethodGet, "domains", nil, nil, &out)
}

// CreateDomain fails with ErrDomainExists when the zone is already present.
func (c *Client) CreateDomain(ctx context.Context, name, ip string) (Domain, error) {
	var out struct {
		Domain Domain `json:"domain"`
	}
	body := map[string]string{"name": name, "ip_address": ip}
	err := c.do(ctx, http.MethodPost, "domains", nil, body, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
		return Domain{}, errors.Mark(err, ErrDomainExists)
	}
	return out.Domain, err
}

func (c *Client) CreateDomainRecord(ctx context.Context, domain, name, data, typ string) (Record, error) {
	if typ == "" {
		typ = "A"
	}
	var out struct {
		DomainRecord Record `json:"domain_record"`
	}
	body := Record{Data: data, Name: name, Type: typ}
	return out.DomainRecord, c.do(ctx, http.MethodPost, "domains/"+domain+"/records", nil, body, &out)
}

func (c *Client) GetDomainRecords(ctx context.Context, domain string) ([]Record, error) {
	var out struct {
		DomainRecords []Record `json:"domain_records"`
	}
	return out.DomainRecords, c.do(ctx, http.MethodGet, "domains/"+domain+"/records", nil, nil, &out)
}

func (c *Client) UpdateDomainRecord(ctx context.Context, domain string, id int, fields map[string]any) (Record, error) {
	var out struct {
		DomainRecord Record `json:"domain_record"`
	}
	path := "domains/" + domain + "/records/" + strconv.Itoa(id)
	return out.DomainRecord, c.do(ctx, http.MethodPut, path, nil, fields, &out)
}

func (c *Client) CreateDroplet(ctx context.Context, in DropletIn) (Droplet, error) {
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	return out.Droplet, c.do(ctx, http.MethodPost, "droplets", nil, in.withDefaults(), &out)
}

func (c *Client) GetDroplets(ctx context.Context) ([]Droplet, error) {
	var out struct {
		Droplets []Droplet `json:"droplets"`
	}
	return out.Droplets, c.do(ctx, http.MethodGet, "droplets", nil, nil, &out)
}

func (c *Client) GetDroplet(ctx context.Context, id int) (Droplet, error) {
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	return out.Droplet, c.do(ctx, http.MethodGet, "droplets/"+strconv.Itoa(id), nil, nil, &out)
}

func (c *Client) GetDropletActions(ctx context.Context, id int) ([]Action, error) {
	var out struct {
		Actions []Action `json:"actions"`
	}
	return out.Actions, c.do(ctx, http.MethodGet, "droplets/"+strconv.Itoa(id)+"/actions", nil, nil, &out)
}

func (c *Client) DeleteDroplet(ctx context.Context, id int) (bool, error) {
	status, err := c.send(ctx, http.MethodDelete, "droplets/"+strconv.Itoa(id), nil, nil, nil)
	return status == http.StatusNoContent, err
}

func (c *Client) ShutdownDroplet(ctx context.Context, id int) (Action, error) {
	return c.action(ctx, id, map[string]string{"type": "shutdown"})
}

func (c *Client) TakeSnapshot(ctx context.Context, id int, name string) (Action, error) {
	return c.action(ctx, id, map[string]string{"type": "snapshot", "name": name})
}

func (c *Client) GetDropletSnapshots(ctx context.Context, id int) ([]Snapshot, error) {
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	return out.Snapshots, c.do(ctx, http.MethodGet, "droplets/"+strconv.Itoa(id)+"/snapshots", nil, nil, &out)
}

func (c *Client) GetSnapshotsOfDroplets(ctx context.Context) ([]Snapshot, error) {
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	q := url.Values{"resource_type": {"droplet"}}
	return out.Snapshots, c.do(ctx, http.MethodGet, "snapshots", q, nil, &out)
}

func (c *Client) GetImages(ctx context.Context) ([]Image, error) {
	var out struct {
		Images []Image `json:"images"`
	}
	q := url.Values{"per_page": {"200"}}
	return out.Images, c.do(ctx, http.MethodGet, "images", q, nil, &out)
}

// WaitDroplet blocks until the droplet's most recent action has left the
// in-progress state.
func (c *Client) WaitDroplet(ctx context.Context, id int) error {
	for {
		actions, err := c.GetDropletActions(ctx, id)
		if err != nil {
			return err
		}
		if len(actions) > 0 && actions[0].Status != "in-progress" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) action(ctx context.Context, id int, body any) (Action, error) {
	var out struct {
		Action Action `json:"action"`
	}
	return out.Action, c.do(ctx, http.MethodPost, "droplets/"+strconv.Itoa(id)+"/actions", nil, body, &out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	_, err := c.send(ctx, method, path, q, body, out)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	u := c.Endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "marshal")
		}
		r = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return 0, errors.Wrap(err, "request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, errors.Wrap(err, "read")
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Body: string(data), Status: res.StatusCode}
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return res.StatusCode, errors.Mark(apiErr, ErrUnauthorized)
		}
		return res.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return res.StatusCode, errors.Wrap(err, "decode")
		}
	}
	return res.StatusCode, nil
}
