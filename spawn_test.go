package ghost

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housecat-inc/ghost/pkg/shell"
)

func TestSpawn(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	fx := newFixture(t)

	r.NoError(Run(context.Background(), fx.config, Spawn{}))

	a.Equal([]string{
		"adduser ghost --disabled-login --gecos ghost",
		"mkdir -p /home/ghost/.ssh",
		"cp /root/.ssh/authorized_keys /home/ghost/.ssh/",
		"chown ghost:ghost -R /home/ghost/.ssh",
	}, fx.fake.Calls())
	a.Equal("spawning sudoer `ghost`..\n", fx.out.String())

	data, err := os.ReadFile(fx.config.SudoersPath)
	r.NoError(err)
	a.Equal("ghost  ALL=NOPASSWD: ALL\n", string(data))
}

func TestSpawnExistingUser(t *testing.T) {
	a := assert.New(t)
	fx := newFixture(t)
	fx.fake.Set("adduser ghost --disabled-login --gecos ghost", shell.CmdResult{Code: 1, Stderr: "adduser: The user `ghost' already exists."})

	a.NoError(Run(context.Background(), fx.config, Spawn{}))

	a.Len(fx.fake.Calls(), 1)
	a.Equal("user `ghost` already exists!\n", fx.out.String())
	a.NoFileExists(fx.config.SudoersPath)
}

func TestSpawnFails(t *testing.T) {
	a := assert.New(t)
	fx := newFixture(t)
	fx.fake.Set("adduser ghost --disabled-login --gecos ghost", shell.CmdResult{Code: 13})

	err := Run(context.Background(), fx.config, Spawn{})
	a.Error(err)
	a.Equal(13, shell.ExitCode(err))
}
