package ghost

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"github.com/housecat-inc/ghost/pkg/api"
	"github.com/housecat-inc/ghost/pkg/digitalocean"
	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/remote"
	"github.com/housecat-inc/ghost/pkg/shell"
)

// fetch downloads the ghost binary from dist into the working directory
// and checks it against the published checksum.
func fetch(dist string) string {
	return strings.Join([]string{
		shellquote.Join("wget", dist+"/ghost", "-q", "-O", "ghost"),
		shellquote.Join("wget", dist+"/ghost.sha256", "-q", "-O", "ghost.sha256"),
		shellquote.Join("sha256sum", "-c", "ghost.sha256"),
		shellquote.Join("chmod", "+x", "ghost"),
	}, " && ")
}

func prompt(c Config, r *bufio.Reader, label string) (string, error) {
	c.Runtime.Printf("%s: ", label)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrapf(err, "read %s", label)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.Wrapf(ErrUsage, "%s is required", label)
	}
	return line, nil
}

// runInit creates a droplet, waits for it to accept ssh and bootstraps a
// ghost on it: spawn as root, then setup as the ghost user.
func runInit(ctx context.Context, c Config) error {
	c.Runtime.Println(api.Logo)
	c.Runtime.Println()
	c.Runtime.Println("spawning a new presence..")

	name, err := prompt(c, bufio.NewReader(c.Stdin), "presence name")
	if err != nil {
		return err
	}
	c.Runtime.Printf("digital ocean token: ")
	token, err := c.ReadPassword()
	c.Runtime.Println()
	if err != nil {
		return errors.Wrap(err, "read token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.Wrap(ErrUsage, "digital ocean token is required")
	}

	pub, err := remote.EnsureKey(ctx, c.Remote)
	if err != nil {
		return err
	}
	do := c.DigitalOcean(token)
	key, err := remote.RegisterKey(ctx, do, pub)
	if err != nil {
		return err
	}

	droplet, err := do.CreateDroplet(ctx, digitalocean.DropletIn{Name: name, SSHKeys: []int{key.ID}})
	if err != nil {
		return errors.Wrap(err, "create droplet")
	}
	c.Runtime.Println("generating droplet..")
	if err := do.WaitDroplet(ctx, droplet.ID); err != nil {
		return errors.Wrap(err, "wait droplet")
	}
	droplet, err = do.GetDroplet(ctx, droplet.ID)
	if err != nil {
		return errors.Wrap(err, "get droplet")
	}
	ip := droplet.PublicIPv4()
	if ip == "" {
		return errors.Newf("droplet %d has no public address", droplet.ID)
	}
	c.Runtime.Printf("machine initialized at: %s\n", ip)

	if err := remote.WaitAlive(ctx, c.Remote, "root", ip); err != nil {
		return err
	}
	get := fetch(c.DistURL)
	if err := remote.RunAs(ctx, c.Remote, "root", ip, get+" && ./ghost spawn", shell.Passthrough{W: c.Runtime.Out}); err != nil {
		return errors.Wrap(err, "spawn")
	}
	sink := &remote.BrowserSink{Host: ip, Open: c.Remote.Open, W: c.Runtime.Out}
	if err := remote.RunAs(ctx, c.Remote, layout.User, ip, get+" && "+shellquote.Join("./ghost", "setup", token), sink); err != nil {
		return errors.Wrap(err, "setup")
	}
	return nil
}
