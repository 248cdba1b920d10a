package remote_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/remote"
	"github.com/housecat-inc/ghost/pkg/shell"
)

const (
	pubA = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIMqXgRLKG73K+sIxs5oj3E2nhu/4FHxOcrmAd4Wv7ki7 ghost@alpha"
	pubB = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAID4j6BYAOVlKM4lPZWThsTSLvXoAiNQsSstz7q7VnACd other"
)

const sshTrue = "ssh -i ghost_key -tt -o IdentitiesOnly=yes -o StrictHostKeyChecking=no root@203.0.113.7 true"

type keys struct {
	added  []string
	stored []digitalocean.Key
}

func (k *keys) GetKeys(context.Context) ([]digitalocean.Key, error) {
	return k.stored, nil
}

func (k *keys) AddKey(_ context.Context, name, pub string) (digitalocean.Key, error) {
	k.added = append(k.added, name)
	key := digitalocean.Key{ID: 99, Name: name, PublicKey: pub}
	k.stored = append(k.stored, key)
	return key, nil
}

func testConfig(f *shell.Fake, out *bytes.Buffer) remote.Config {
	return remote.Config{
		Attempts: 20,
		Dir:      ".",
		Interval: time.Millisecond,
		Open:     func(string) error { return nil },
		Out:      out,
		Shell:    f.Shell(),
	}
}

func TestRegisterKey(t *testing.T) {
	tests := []struct {
		_name  string
		added  []string
		id     int
		stored []digitalocean.Key
	}{
		{
			_name: "no keys",
			added: []string{"ghost"},
			id:    99,
		},
		{
			_name:  "already registered under another comment",
			id:     5,
			stored: []digitalocean.Key{{ID: 4, PublicKey: pubB}, {ID: 5, PublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIMqXgRLKG73K+sIxs5oj3E2nhu/4FHxOcrmAd4Wv7ki7 laptop"}},
		},
		{
			_name:  "other keys only",
			added:  []string{"ghost"},
			id:     99,
			stored: []digitalocean.Key{{ID: 4, PublicKey: pubB}, {ID: 6, PublicKey: "garbage"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			k := &keys{stored: tt.stored}
			key, err := remote.RegisterKey(context.Background(), k, pubA)
			a.NoError(err)
			a.Equal(tt.id, key.ID)
			a.Equal(tt.added, k.added)
		})
	}
}

func TestEnsureKey(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	f := shell.NewFake(nil)
	cfg := testConfig(f, &bytes.Buffer{})
	cfg.Dir = dir

	_, err := remote.EnsureKey(context.Background(), cfg)
	r.Error(err)
	r.Equal([]string{`ssh-keygen -o -a 100 -t ed25519 -N  -f ghost_key`}, f.Calls())
	r.Equal(dir, f.Cmds()[0].Dir)

	r.NoError(os.WriteFile(filepath.Join(dir, "ghost_key.pub"), []byte(pubA+"\n"), 0o644))
	pub, err := remote.EnsureKey(context.Background(), cfg)
	r.NoError(err)
	r.Equal(pubA, pub)
	r.Len(f.Calls(), 1)
	r.Contains(remote.Fingerprint(pub), "SHA256:")
}

func TestWaitAlive(t *testing.T) {
	tests := []struct {
		_name string
		code  int
		err   string
		out   string
	}{
		{
			_name: "alive",
		},
		{
			_name: "never comes up",
			code:  255,
			err:   "host unreachable",
			out:   "waiting for server to come alive.................... couldn't connect!\n",
		},
		{
			_name: "remote command fails",
			code:  1,
			err:   "exit status 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			var out bytes.Buffer
			f := shell.NewFake(map[string]shell.CmdResult{sshTrue: {Code: tt.code}})
			err := remote.WaitAlive(context.Background(), testConfig(f, &out), "root", "203.0.113.7")
			if tt.err != "" {
				a.ErrorContains(err, tt.err)
			} else {
				a.NoError(err)
			}
			a.Equal(tt.out, out.String())
			if tt.code == 255 {
				a.Len(f.Calls(), 20)
				a.True(errors.Is(err, remote.ErrUnreachable))
			}
		})
	}
}

func TestWaitAliveRecovers(t *testing.T) {
	a := assert.New(t)

	var out bytes.Buffer
	f := shell.NewFake(map[string]shell.CmdResult{sshTrue: {Code: 255}})
	cfg := testConfig(f, &out)
	cfg.Interval = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- remote.WaitAlive(context.Background(), cfg, "root", "203.0.113.7") }()
	for len(f.Calls()) < 3 {
		time.Sleep(time.Millisecond)
	}
	f.Set(sshTrue, shell.CmdResult{})

	a.NoError(<-done)
	a.Contains(out.String(), "waiting for server to come alive...")
	a.NotContains(out.String(), "couldn't connect")
}

func TestRunAs(t *testing.T) {
	a := assert.New(t)

	cmd := "ssh -i ghost_key -tt -o IdentitiesOnly=yes -o StrictHostKeyChecking=no ghost@203.0.113.7 ./ghost setup T"
	f := shell.NewFake(map[string]shell.CmdResult{cmd: {Stdout: "installing Python 3.9.2\n    https://203.0.113.7?secret=abc234\nagain ?secret=abc234\n"}})

	var out bytes.Buffer
	var opened []string
	sink := &remote.BrowserSink{
		Host: "203.0.113.7",
		Open: func(u string) error { opened = append(opened, u); return nil },
		W:    &out,
	}
	a.NoError(remote.RunAs(context.Background(), testConfig(f, &bytes.Buffer{}), "ghost", "203.0.113.7", "./ghost setup T", sink))

	a.Equal([]string{"https://203.0.113.7?secret=abc234"}, opened)
	a.Equal("installing Python 3.9.2\n    https://203.0.113.7?secret=abc234\nagain ?secret=abc234\n", out.String())
}
