package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cli/browser"
	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/ssh"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const (
	KeyFile = "ghost_key"
	KeyName = "ghost"
)

var ErrUnreachable = errors.New("host unreachable")

type Config struct {
	Attempts int
	Dir      string
	Interval time.Duration
	Open     func(url string) error
	Out      io.Writer
	Shell    shell.Shell
}

func DefaultConfig(dir string) Config {
	return Config{
		Attempts: 20,
		Dir:      dir,
		Interval: 2 * time.Second,
		Open:     browser.OpenURL,
		Out:      os.Stdout,
		Shell:    shell.Default(),
	}
}

type Keys interface {
	AddKey(ctx context.Context, name, pub string) (digitalocean.Key, error)
	GetKeys(ctx context.Context) ([]digitalocean.Key, error)
}

func (c Config) keyPath() string {
	return filepath.Join(c.Dir, KeyFile)
}

// EnsureKey returns the local public key, generating the pair when absent.
func EnsureKey(ctx context.Context, cfg Config) (string, error) {
	pub := cfg.keyPath() + ".pub"
	if _, err := os.Stat(pub); errors.Is(err, os.ErrNotExist) {
		_, err := cfg.Shell.WithDir(cfg.Dir).Run(ctx, "ssh-keygen", "-o", "-a", "100", "-t", "ed25519", "-N", "", "-f", KeyFile)
		if err != nil {
			return "", errors.Wrap(err, "ssh-keygen")
		}
	}
	data, err := os.ReadFile(pub)
	if err != nil {
		return "", errors.Wrap(err, "read public key")
	}
	return strings.TrimSpace(string(data)), nil
}

// RegisterKey returns the provider key matching pub, adding it when no
// registered key has the same key bytes.
func RegisterKey(ctx context.Context, keys Keys, pub string) (digitalocean.Key, error) {
	want, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		return digitalocean.Key{}, errors.Wrap(err, "parse public key")
	}

	existing, err := keys.GetKeys(ctx)
	if err != nil {
		return digitalocean.Key{}, errors.Wrap(err, "get keys")
	}
	for _, k := range existing {
		have, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k.PublicKey))
		if err != nil {
			continue
		}
		if bytes.Equal(have.Marshal(), want.Marshal()) {
			return k, nil
		}
	}

	k, err := keys.AddKey(ctx, KeyName, pub)
	if err != nil {
		return digitalocean.Key{}, errors.Wrap(err, "add key")
	}
	return k, nil
}

func Fingerprint(pub string) string {
	k, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(k)
}

func (c Config) sshCmd(user, host, command string) shell.Cmd {
	return shell.Cmd{
		Path: "ssh",
		Args: []string{
			"-i", c.keyPath(),
			"-tt",
			"-o", "IdentitiesOnly=yes",
			"-o", "StrictHostKeyChecking=no",
			user + "@" + host,
			command,
		},
	}
}

// WaitAlive polls host until ssh accepts the key. Exit code 255 from ssh
// means the connection itself failed and is retried.
func WaitAlive(ctx context.Context, cfg Config, user, host string) error {
	c := cfg.sshCmd(user, host, "true")
	c.OK = []int{0, 255}

	attempt := 0
	b := retry.WithMaxRetries(uint64(cfg.Attempts-1), retry.NewConstant(cfg.Interval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		res, err := cfg.Shell.Exec(ctx, c)
		if err != nil {
			return err
		}
		if res.Code == 255 {
			if attempt == 1 {
				fmt.Fprint(cfg.Out, "waiting for server to come alive")
			}
			fmt.Fprint(cfg.Out, ".")
			return retry.RetryableError(ErrUnreachable)
		}
		return nil
	})
	if errors.Is(err, ErrUnreachable) {
		fmt.Fprintln(cfg.Out, " couldn't connect!")
		return errors.Wrapf(ErrUnreachable, "%s@%s", user, host)
	}
	if attempt > 1 {
		fmt.Fprintln(cfg.Out)
	}
	return err
}

// RunAs runs command on host as user, feeding every output line to sink.
// The local terminal's stdin is attached so that -tt behaves interactively.
func RunAs(ctx context.Context, cfg Config, user, host, command string, sink shell.LineSink) error {
	c := cfg.sshCmd(user, host, command)
	c.Stdin = os.Stdin
	_, err := cfg.Shell.Stream(ctx, sink, c)
	return err
}

var secretPattern = regexp.MustCompile(`\?secret=([a-z0-9]+)`)

// BrowserSink writes lines through and opens the admin URL in the operator's
// browser the first time a line carries ?secret=.
type BrowserSink struct {
	Host string
	Open func(url string) error
	W    io.Writer

	once sync.Once
}

func (s *BrowserSink) OnLine(line string) {
	fmt.Fprintln(s.W, line)
	m := secretPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	s.once.Do(func() {
		if err := s.Open(fmt.Sprintf("https://%s?secret=%s", s.Host, m[1])); err != nil {
			fmt.Fprintf(s.W, "open browser: %v\n", err)
		}
	})
}
