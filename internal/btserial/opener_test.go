package btserial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/rfcomm"
)

func TestOpenerFor(t *testing.T) {
	t.Parallel()

	conn := config.Connect{Channel: 3, TTYPath: "/dev/rfcomm0", BaudRate: 9600}
	m := &mockMgr{}

	o, err := OpenerFor(config.StrategyNone, conn, m)
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = OpenerFor(config.StrategyProfile, conn, m)
	require.NoError(t, err)
	assert.Equal(t, &connmgr.ProfileOpener{Mgr: m}, o)

	o, err = OpenerFor(config.StrategySecure, conn, m)
	require.NoError(t, err)
	assert.Equal(t, &rfcomm.SocketOpener{Channel: 3, Secure: true}, o)

	o, err = OpenerFor(config.StrategyInsecure, conn, m)
	require.NoError(t, err)
	assert.Equal(t, &rfcomm.SocketOpener{Channel: 3}, o)

	o, err = OpenerFor(config.StrategyTTY, conn, m)
	require.NoError(t, err)
	tty, ok := o.(*rfcomm.TTYOpener)
	require.True(t, ok)
	assert.Equal(t, "/dev/rfcomm0", tty.Path)
	assert.Equal(t, 9600, tty.BaudRate)
}

func TestOpenerFor_Errors(t *testing.T) {
	t.Parallel()

	_, err := OpenerFor("carrier-pigeon", config.Connect{}, nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = OpenerFor(config.StrategyTTY, config.Connect{}, nil)
	require.Error(t, err)

	_, err = OpenerFor(config.StrategyProfile, config.Connect{}, nil)
	require.Error(t, err)
}
