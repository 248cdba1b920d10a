package ghost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/housecat-inc/ghost/pkg/version"
)

const Usage = `ghost [init|spawn|setup TOKEN|digitalocean TOKEN|dynadot TOKEN]

Commands:
  init                 create a droplet and bootstrap a ghost on it
  spawn                create the ghost sudoer (run as root on the droplet)
  setup TOKEN          install the ghost stack (run as ghost on the droplet)
  digitalocean TOKEN   list droplets
  dynadot TOKEN        list domains
  serve                run the admin server
  dhparam              regenerate the Diffie-Hellman prime
  clean                remove a ghost
  version              print version
`

var (
	ErrUsage          = errors.New("usage")
	ErrNotImplemented = errors.New("not implemented")
)

type UnknownCommand struct {
	Name string
}

func (e *UnknownCommand) Error() string {
	return fmt.Sprintf("Unknown command %s", e.Name)
}

// Command is one parsed invocation of the ghost binary.
type Command interface {
	command()
}

type (
	Init  struct{}
	Spawn struct{}
	Setup struct {
		Token string
	}
	DigitalOcean struct {
		Token string
	}
	Dynadot struct {
		Token string
	}
	Serve struct {
		Socket string
	}
	DHParam struct {
		Bits int
	}
	Clean   struct{}
	Version struct{}
)

func (Init) command()         {}
func (Spawn) command()        {}
func (Setup) command()        {}
func (DigitalOcean) command() {}
func (Dynadot) command()      {}
func (Serve) command()        {}
func (DHParam) command()      {}
func (Clean) command()        {}
func (Version) command()      {}

// Parse reads a command from argv without the program name. No arguments
// means init.
func Parse(args []string) (Command, error) {
	if len(args) == 0 {
		return Init{}, nil
	}
	name, rest := args[0], args[1:]

	token := func() (string, error) {
		if len(rest) == 0 || rest[0] == "" {
			return "", errors.Wrapf(ErrUsage, "%s needs a token", name)
		}
		return rest[0], nil
	}

	switch name {
	case "init":
		return Init{}, nil
	case "spawn":
		return Spawn{}, nil
	case "setup":
		t, err := token()
		return Setup{Token: t}, err
	case "digitalocean":
		t, err := token()
		return DigitalOcean{Token: t}, err
	case "dynadot":
		t, err := token()
		return Dynadot{Token: t}, err
	case "serve":
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		fs.SetOutput(io.Discard)
		socket := fs.String("socket", "", "unix socket to listen on (default apps/ghost-app/app.sock)")
		if err := fs.Parse(rest); err != nil {
			return nil, errors.Wrap(ErrUsage, err.Error())
		}
		return Serve{Socket: *socket}, nil
	case "dhparam":
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		fs.SetOutput(io.Discard)
		bits := fs.Int("bits", 0, "prime size (default GHOST_DHPARAM_BITS)")
		if err := fs.Parse(rest); err != nil {
			return nil, errors.Wrap(ErrUsage, err.Error())
		}
		return DHParam{Bits: *bits}, nil
	case "clean":
		return Clean{}, nil
	case "version", "-v", "--version":
		return Version{}, nil
	case "help", "-h", "--help":
		return nil, ErrUsage
	}
	return nil, &UnknownCommand{Name: name}
}

// Run executes cmd.
func Run(ctx context.Context, c Config, cmd Command) error {
	switch cmd := cmd.(type) {
	case Init:
		return runInit(ctx, c)
	case Spawn:
		return spawn(ctx, c)
	case Setup:
		return setup(ctx, c, cmd.Token)
	case DigitalOcean:
		droplets, err := c.DigitalOcean(cmd.Token).GetDroplets(ctx)
		if err != nil {
			return err
		}
		return dump(c, droplets)
	case Dynadot:
		domains, err := c.Dynadot(cmd.Token).ListDomain(ctx)
		if err != nil {
			return err
		}
		return dump(c, domains)
	case Serve:
		return serve(ctx, c, cmd.Socket)
	case DHParam:
		bits := cmd.Bits
		if bits == 0 {
			bits = c.DHParamBits
		}
		m := c.machine(c.Runtime.Logger)
		return m.nginx.RegenerateDHParam(ctx, bits)
	case Clean:
		c.Runtime.Println("clean is not implemented")
		return errors.Wrap(ErrNotImplemented, "clean")
	case Version:
		c.Runtime.Println(version.Get())
		return nil
	}
	return errors.Newf("unhandled command %T", cmd)
}

func dump(c Config, v any) error {
	enc := json.NewEncoder(c.Runtime.Out)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode")
}
