package config

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

const secretAlphabet = "abcdefghjknprstuvxyz23456789"

var ErrUnknownService = errors.New("unknown service")

func EnvOr[T string | int](key string, fallback T) T {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch any(fallback).(type) {
	case string:
		return any(v).(T)
	case int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fallback
		}
		return any(n).(T)
	}
	return fallback
}

type Tokens struct {
	DigitalOcean string `json:"digitalocean"`
	Dynadot      string `json:"dynadot"`
	GitHub       string `json:"github"`
}

func (t Tokens) Get(service string) (string, error) {
	switch service {
	case "digitalocean":
		return t.DigitalOcean, nil
	case "dynadot":
		return t.Dynadot, nil
	case "github":
		return t.GitHub, nil
	}
	return "", errors.Wrapf(ErrUnknownService, "%q", service)
}

// Set stores a token; an empty value clears it.
func (t *Tokens) Set(service, token string) error {
	switch service {
	case "digitalocean":
		t.DigitalOcean = token
	case "dynadot":
		t.Dynadot = token
	case "github":
		t.GitHub = token
	default:
		return errors.Wrapf(ErrUnknownService, "%q", service)
	}
	return nil
}

type Config struct {
	Secret   string            `json:"secret"`
	Tokens   Tokens            `json:"tokens"`
	Websites map[string]string `json:"websites"`
}

func NewSecret() (string, error) {
	b := make([]byte, 6)
	n := big.NewInt(int64(len(secretAlphabet)))
	for i := range b {
		j, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", errors.Wrap(err, "random")
		}
		b[i] = secretAlphabet[j.Int64()]
	}
	return string(b), nil
}

// Store reads and writes config.json. Every read-modify-write holds an
// exclusive flock on a sibling lock file; writes replace the file by rename.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) Load() (Config, error) {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return Config{}, err
	}
	defer unlock()
	return s.read()
}

func (s *Store) Save(cfg Config) error {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(cfg)
}

func (s *Store) Update(fn func(*Config) error) (Config, error) {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return Config{}, err
	}
	defer unlock()

	cfg, err := s.read()
	if err != nil {
		return Config{}, err
	}
	if err := fn(&cfg); err != nil {
		return Config{}, err
	}
	if err := s.write(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s *Store) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.Path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock")
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "flock")
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) read() (Config, error) {
	cfg := Config{Websites: map[string]string{}}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if cfg.Websites == nil {
		cfg.Websites = map[string]string{}
	}
	return cfg, nil
}

func (s *Store) write(cfg Config) error {
	if cfg.Websites == nil {
		cfg.Websites = map[string]string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := atomic.WriteFile(s.Path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "write config")
	}
	if err := os.Chmod(s.Path, 0o600); err != nil {
		return errors.Wrap(err, "chmod config")
	}
	return nil
}
