package ghost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/housecat-inc/ghost/pkg/layout"
	"github.com/housecat-inc/ghost/pkg/shell"
)

// spawn creates the passwordless sudoer that owns the ghost layout and
// lets it in with root's authorized keys. It stops early when the user
// already exists.
func spawn(ctx context.Context, c Config) error {
	res, err := c.Shell.Exec(ctx, shell.Cmd{
		Path: "adduser",
		Args: []string{layout.User, "--disabled-login", "--gecos", layout.User},
		OK:   []int{0, 1},
	})
	if err != nil {
		return errors.Wrap(err, "adduser")
	}
	if res.Code == 1 {
		c.Runtime.Printf("user `%s` already exists!\n", layout.User)
		return nil
	}
	c.Runtime.Printf("spawning sudoer `%s`..\n", layout.User)

	home := filepath.Join("/home", layout.User, ".ssh")
	for _, args := range [][]string{
		{"mkdir", "-p", home},
		{"cp", filepath.Join(c.SSHDir, "authorized_keys"), home + "/"},
		{"chown", layout.User + ":" + layout.User, "-R", home},
	} {
		if _, err := c.Shell.Run(ctx, args[0], args[1:]...); err != nil {
			return errors.Wrap(err, args[0])
		}
	}

	f, err := os.OpenFile(c.SudoersPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o440)
	if err != nil {
		return errors.Wrap(err, "open sudoers")
	}
	if _, err := fmt.Fprintf(f, "%s  ALL=NOPASSWD: ALL\n", layout.User); err != nil {
		f.Close()
		return errors.Wrap(err, "write sudoers")
	}
	return errors.Wrap(f.Close(), "close sudoers")
}
