package rabbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPipe(t *testing.T) {
	a, b := NewLocalPipe()

	require.NoError(t, a.Send([]byte("ping")))
	assert.Equal(t, []byte("ping"), <-b.Receive())
	require.NoError(t, b.Send([]byte("pong")))
	assert.Equal(t, []byte("pong"), <-a.Receive())

	require.NoError(t, a.Close(CloseGoingAway, "bye"))
	require.NoError(t, b.Close(CloseNormal, "ignored"))

	_, ok := <-b.Receive()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send([]byte("late")), ErrTransportClosed)

	closed, code, reason := b.CloseStatus()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, code)
	assert.Equal(t, "bye", reason)
}

func TestLocalPipeBufferFull(t *testing.T) {
	a, _ := NewLocalPipe()
	for i := 0; i < localBuffer; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}))
	}
	assert.Error(t, a.Send([]byte("overflow")))
}
