package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
	xacme "golang.org/x/crypto/acme"
)

const LetsEncrypt = xacme.LetsEncryptURL

var ErrNoHTTPChallenge = errors.New("acme: no http-01 challenge offered")

// Client is the subset of the ACME protocol used to issue a certificate.
type Client interface {
	Accept(ctx context.Context, chal *xacme.Challenge) (*xacme.Challenge, error)
	AuthorizeOrder(ctx context.Context, id []xacme.AuthzID, opt ...xacme.OrderOption) (*xacme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error)
	GetAuthorization(ctx context.Context, url string) (*xacme.Authorization, error)
	HTTP01ChallengeResponse(token string) (string, error)
	Register(ctx context.Context, acct *xacme.Account, prompt func(tosURL string) bool) (*xacme.Account, error)
	WaitAuthorization(ctx context.Context, url string) (*xacme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*xacme.Order, error)
}

type Config struct {
	AccountKey   string
	DirectoryURL string
	NewClient    func(key crypto.Signer, directoryURL string) Client
}

func DefaultConfig(accountKey, directoryURL string) Config {
	return Config{
		AccountKey:   accountKey,
		DirectoryURL: directoryURL,
		NewClient: func(key crypto.Signer, directoryURL string) Client {
			return &xacme.Client{Key: key, DirectoryURL: directoryURL, UserAgent: "ghost"}
		},
	}
}

// Issuer obtains certificates over HTTP-01, serving challenge responses as
// files from a webroot the TLS bootstrap vhost exposes.
type Issuer struct {
	config Config
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Issuer {
	return &Issuer{config: cfg, log: log}
}

// Certify issues a certificate for host and writes domain.key and
// domain.crt into dir. Challenge files are written to webroot and removed
// once the order settles.
func (i *Issuer) Certify(ctx context.Context, host, webroot, dir string) error {
	accountKey, err := LoadOrCreateKey(i.config.AccountKey)
	if err != nil {
		return errors.Wrap(err, "account key")
	}
	c := i.config.NewClient(accountKey, i.config.DirectoryURL)

	if _, err := c.Register(ctx, &xacme.Account{}, xacme.AcceptTOS); err != nil && !errors.Is(err, xacme.ErrAccountAlreadyExists) {
		return errors.Wrap(err, "register")
	}

	order, err := c.AuthorizeOrder(ctx, xacme.DomainIDs(host))
	if err != nil {
		return errors.Wrap(err, "authorize order")
	}

	for _, u := range order.AuthzURLs {
		z, err := c.GetAuthorization(ctx, u)
		if err != nil {
			return errors.Wrap(err, "authorization")
		}
		if z.Status == xacme.StatusValid {
			continue
		}

		var chal *xacme.Challenge
		for _, ch := range z.Challenges {
			if ch.Type == "http-01" {
				chal = ch
				break
			}
		}
		if chal == nil {
			return errors.Wrap(ErrNoHTTPChallenge, host)
		}

		body, err := c.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return errors.Wrap(err, "challenge response")
		}
		path := filepath.Join(webroot, chal.Token)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return errors.Wrap(err, "write challenge")
		}
		defer os.Remove(path)

		i.log.Info("answering challenge", "host", host)
		if _, err := c.Accept(ctx, chal); err != nil {
			return errors.Wrap(err, "accept")
		}
		if _, err := c.WaitAuthorization(ctx, z.URI); err != nil {
			return errors.Wrap(err, "wait authorization")
		}
	}

	order, err = c.WaitOrder(ctx, order.URI)
	if err != nil {
		return errors.Wrap(err, "wait order")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.Wrap(err, "certificate key")
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{host},
		Subject:  pkix.Name{CommonName: host},
	}, key)
	if err != nil {
		return errors.Wrap(err, "csr")
	}

	chain, _, err := c.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return errors.Wrap(err, "finalize")
	}

	if err := writeKey(filepath.Join(dir, "domain.key"), key); err != nil {
		return err
	}
	var crt bytes.Buffer
	for _, der := range chain {
		pem.Encode(&crt, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	if err := atomic.WriteFile(filepath.Join(dir, "domain.crt"), &crt); err != nil {
		return errors.Wrap(err, "write certificate")
	}
	i.log.Info("certificate issued", "host", host)
	return nil
}

// LoadOrCreateKey reads a PEM ECDSA key from path, creating a P-256 key
// there on first use.
func LoadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.Newf("%s: no PEM data", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		return key, errors.Wrap(err, "parse key")
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "read key")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	if err := writeKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "write key")
	}
	return errors.Wrap(os.Chmod(path, 0o600), "chmod key")
}

// SelfSigned reports whether the certificate at path was issued by itself.
func SelfSigned(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrap(err, "read certificate")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false, errors.Newf("%s: no PEM data", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, errors.Wrap(err, "parse certificate")
	}
	return bytes.Equal(cert.RawIssuer, cert.RawSubject), nil
}
