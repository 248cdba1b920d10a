package dynadot

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const Endpoint = "https://api.dynadot.com/api3.xml"

var (
	ErrBadToken = errors.New("dynadot: bad token")
	ErrParse    = errors.New("dynadot: unparseable response")
)

// Node is a generic XML element; responses are addressed by element name.
type Node struct {
	XMLName xml.Name
	Nodes   []Node `xml:",any"`
	Text    string `xml:",chardata"`
}

func (n Node) Name() string {
	return n.XMLName.Local
}

// Find returns the first element called name, depth first, n included.
func (n Node) Find(name string) (Node, bool) {
	if n.XMLName.Local == name {
		return n, true
	}
	for _, c := range n.Nodes {
		if f, ok := c.Find(name); ok {
			return f, true
		}
	}
	return Node{}, false
}

func (n Node) FindAll(name string) []Node {
	var out []Node
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, c)
			continue
		}
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// Value is the trimmed text of the first element called name, or "".
func (n Node) Value(name string) string {
	f, ok := n.Find(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(f.Text)
}

type Domain struct {
	Expiration time.Time
	Name       string
}

type Price struct {
	Amount  float64
	Unknown bool
}

func (p Price) String() string {
	if p.Unknown {
		return "?"
	}
	return strconv.FormatFloat(p.Amount, 'f', 2, 64)
}

type Offer struct {
	Available bool
	Price     Price
}

type Client struct {
	Endpoint string

	http  *http.Client
	token string
}

func New(token string) *Client {
	return &Client{
		Endpoint: Endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		token:    token,
	}
}

func (c *Client) ListDomain(ctx context.Context) ([]Domain, error) {
	root, err := c.call(ctx, "list_domain", nil)
	if err != nil {
		return nil, err
	}
	var out []Domain
	for _, info := range root.FindAll("DomainInfo") {
		d := Domain{Name: info.Value("Name")}
		if ms, err := strconv.ParseInt(info.Value("Expiration"), 10, 64); err == nil {
			d.Expiration = time.UnixMilli(ms).UTC()
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, domains ...string) (map[string]Offer, error) {
	q := url.Values{"show_price": {"1"}}
	for i, d := range domains {
		q.Set(fmt.Sprintf("domain%d", i), d)
	}
	root, err := c.call(ctx, "search", q)
	if err != nil {
		return nil, err
	}
	out := map[string]Offer{}
	for _, r := range root.FindAll("SearchResult") {
		out[r.Value("DomainName")] = Offer{
			Available: r.Value("Available") != "no",
			Price:     parsePrice(r.Value("Price")),
		}
	}
	return out, nil
}

func parsePrice(s string) Price {
	if s == "" {
		return Price{}
	}
	if !strings.Contains(s, " in USD") {
		return Price{Unknown: true}
	}
	amount, _, _ := strings.Cut(s, " ")
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return Price{Unknown: true}
	}
	return Price{Amount: f}
}

func (c *Client) Register(ctx context.Context, domain string, duration int) (Node, error) {
	if duration < 1 {
		duration = 1
	}
	q := url.Values{"domain": {domain}, "duration": {strconv.Itoa(duration)}}
	return c.call(ctx, "register", q)
}

// SetNS delegates domain to the given nameservers.
func (c *Client) SetNS(ctx context.Context, domain string, ns ...string) error {
	q := url.Values{"domain": {domain}}
	for i, n := range ns {
		q.Set(fmt.Sprintf("ns%d", i), strings.TrimSuffix(n, "."))
	}
	_, err := c.call(ctx, "set_ns", q)
	return err
}

func (c *Client) AccountInfo(ctx context.Context) (Node, error) {
	root, err := c.call(ctx, "account_info", nil)
	if err != nil {
		return Node{}, err
	}
	if info, ok := root.Find("AccountInfo"); ok {
		return info, nil
	}
	return root, nil
}

func (c *Client) call(ctx context.Context, command string, q url.Values) (Node, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("command", command)
	q.Set("key", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Node{}, errors.Wrap(err, "request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return Node{}, errors.Wrap(err, command)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Node{}, errors.Wrap(err, "read")
	}
	if res.StatusCode != http.StatusOK {
		return Node{}, errors.Newf("dynadot %s: %s", command, res.Status)
	}

	var root Node
	if err := xml.Unmarshal(data, &root); err != nil {
		return Node{}, errors.Mark(errors.Wrap(err, command), ErrParse)
	}
	if root.Value("ResponseCode") == "-1" {
		return Node{}, errors.Wrap(ErrBadToken, root.Value("Error"))
	}
	return root, nil
}
