package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/grouprelay/test/testhelpers"
)

// TestGracefulShutdownWithClients verifies that every client connection is
// closed and every registration forgotten when the relay stops.
func TestGracefulShutdownWithClients(t *testing.T) {
	env := testhelpers.StartRelay(t, testhelpers.NewConfig(t.TempDir()))

	const numClients = 5
	clients := make([]*testhelpers.Client, numClients)
	for i := range clients {
		clients[i], _ = testhelpers.Connect(t, env, "")
	}
	require.Equal(t, numClients, env.Hub.Count())

	done := make(chan struct{})
	go func() {
		env.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not shut down")
	}

	for i, c := range clients {
		select {
		case <-c.Closed():
		case <-time.After(2 * time.Second):
			t.Errorf("client %d still open after shutdown", i)
		}
	}
	conns, groups := env.Registry.Count()
	assert.Zero(t, conns)
	assert.Zero(t, groups)
	assert.Zero(t, env.Hub.Count())
}

func TestShutdownWithoutClients(t *testing.T) {
	env := testhelpers.StartRelay(t, testhelpers.NewConfig(t.TempDir()))
	env.Close()

	_, err := http.Get(env.URL + "/")
	assert.Error(t, err, "listener is closed")
}
