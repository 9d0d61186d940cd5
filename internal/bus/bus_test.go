package bus

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"omnicontact/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	var got domain.OutboundMessage
	b.OnOutbound(domain.ChannelSMS, func(m domain.OutboundMessage) { got = m })

	b.SendOutbound(domain.OutboundMessage{Channel: domain.ChannelSMS, Content: "hi"})
	b.SendOutbound(domain.OutboundMessage{Channel: domain.ChannelEmail, Content: "nobody listens"})

	if got.Content != "hi" {
		t.Fatalf("expected sms handler to receive message, got %+v", got)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Publish(domain.InboundMessage{Channel: domain.ChannelSMS})
	b.Close()
}

func TestDispatcher_PerSenderOrder(t *testing.T) {
	b := New(64, testLogger())

	var mu sync.Mutex
	seen := map[string][]string{}
	handler := func(ctx context.Context, m domain.InboundMessage) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[m.Address] = append(seen[m.Address], m.Content)
		mu.Unlock()
	}
	d := NewDispatcher(DispatcherConfig{Bus: b, Handler: handler, Concurrency: 4, Logger: testLogger()})

	for i := 0; i < 10; i++ {
		for _, addr := range []string{"+1", "+2", "+3"} {
			b.Publish(domain.InboundMessage{TenantID: "t", Channel: domain.ChannelSMS, Address: addr, Content: string(rune('a' + i))})
		}
	}
	b.Close()

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, addr := range []string{"+1", "+2", "+3"} {
		got := ""
		for _, c := range seen[addr] {
			got += c
		}
		if got != "abcdefghij" {
			t.Fatalf("sender %s processed out of order: %q", addr, got)
		}
	}
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	b := New(64, testLogger())

	var active, peak int32
	handler := func(ctx context.Context, m domain.InboundMessage) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}
	d := NewDispatcher(DispatcherConfig{Bus: b, Handler: handler, Concurrency: 2, Logger: testLogger()})

	for i := 0; i < 12; i++ {
		b.Publish(domain.InboundMessage{TenantID: "t", Channel: domain.ChannelSMS, Address: string(rune('A' + i))})
	}
	b.Close()
	_ = d.Run(context.Background())

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", peak)
	}
}
