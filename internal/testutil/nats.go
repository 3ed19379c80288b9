package testutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port
func RunServer() (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
	}

	return server.NewServer(opts)
}

// SetupJetStream sets up a NATS server with JetStream enabled for testing
func SetupJetStream(t *testing.T) (nats.JetStreamContext, func()) {
	t.Helper()

	_, js, cleanup := StartJetStream(t)

	return js, cleanup
}

// StartJetStream starts a NATS server with JetStream enabled
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := RunServer()
	require.NoError(t, err)
	err = s.EnableJetStream(&server.JetStreamConfig{
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}

	return s, js, cleanup
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// WaitForConsumer waits for a consumer to be created
func WaitForConsumer(t *testing.T, js nats.JetStreamContext, stream, consumer string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.ConsumerInfo(stream, consumer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for consumer %s on stream %s", consumer, stream)
}

// FetchMessages pulls up to n messages published on subject within timeout
func FetchMessages(t *testing.T, js nats.JetStreamContext, subject string, n int, timeout time.Duration) []*nats.Msg {
	t.Helper()

	sub, err := js.PullSubscribe(subject, "", nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var msgs []*nats.Msg
	deadline := time.Now().Add(timeout)
	for len(msgs) < n && time.Now().Before(deadline) {
		wait := time.Until(deadline)
		if wait < 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		batch, err := sub.Fetch(n-len(msgs), nats.MaxWait(wait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			require.NoError(t, err)
		}
		for _, m := range batch {
			_ = m.Ack()
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// PublishWithRetry publishes a message with retries
func PublishWithRetry(js nats.JetStreamContext, subject string, data []byte, retries int, delay time.Duration) error {
	var err error
	for i := 0; i < retries; i++ {
		_, err = js.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return err
}
