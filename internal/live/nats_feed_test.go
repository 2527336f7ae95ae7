package live

import (
	"context"
	"testing"
	"time"

	"github.com/yanyu/chat-core/internal/messaging"
)

func newTestNATSClient(t *testing.T) *messaging.NATSClient {
	t.Helper()
	cfg := messaging.DefaultNATSConfig()
	cfg.Name = "chat-core-test"
	client, err := messaging.NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNATSFeed_DeliversAcrossClients(t *testing.T) {
	sub := NewNATSFeed(newTestNATSClient(t))
	pub := NewNATSFeed(newTestNATSClient(t))

	woke := make(chan struct{}, 1)
	stop, err := sub.Watch("testU1_testU2", func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	// Give the subscription time to reach the server.
	time.Sleep(50 * time.Millisecond)

	if err := pub.Publish(context.Background(), ChangeEvent{ChannelID: "testU1_testU2", Kind: ChangeAppend}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher was not notified")
	}
}

func TestNATSFeed_AnyPayloadWakesWatcher(t *testing.T) {
	client := newTestNATSClient(t)
	feed := NewNATSFeed(client)

	woke := make(chan struct{}, 1)
	stop, err := feed.Watch("testU3_testU4", func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()
	time.Sleep(50 * time.Millisecond)

	if err := client.PublishChannelEvent("testU3_testU4", []byte("not json")); err != nil {
		t.Fatalf("PublishChannelEvent: %v", err)
	}
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher was not notified")
	}
}
