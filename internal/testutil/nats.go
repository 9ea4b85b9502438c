package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream runs an embedded NATS server with JetStream on a random
// port and returns a connected JetStream context with a cleanup func.
func StartJetStream(t *testing.T) (nats.JetStreamContext, func()) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server did not come up")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}
	return js, cleanup
}

// CollectMessages subscribes to a subject and gathers payloads until either
// want messages arrived or the timeout elapsed.
func CollectMessages(t *testing.T, js nats.JetStreamContext, subject string, want int, timeout time.Duration) [][]byte {
	t.Helper()

	msgChan := make(chan *nats.Msg, 256)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var out [][]byte
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(out) < want {
		select {
		case msg := <-msgChan:
			out = append(out, msg.Data)
		case <-timer.C:
			return out
		}
	}
	return out
}
