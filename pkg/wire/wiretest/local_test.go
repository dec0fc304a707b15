package wiretest

import (
	"context"
	"testing"
	"time"
)

func echoHandler(tag string) func(ctx context.Context, from, msgType string, payload []byte) ([]byte, error) {
	return func(ctx context.Context, from, msgType string, payload []byte) ([]byte, error) {
		return append([]byte(tag+":"), payload...), nil
	}
}

func TestLocalTransportCall(t *testing.T) {
	lt := New()
	lt.Register("n1", echoHandler("n1"))
	lt.Register("n2", echoHandler("n2"))

	ctx := WithCallerID(context.Background(), "n1")
	reply, err := lt.Call(ctx, "n2", "n2", "Ping", []byte("hi"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply) != "n2:hi" {
		t.Errorf("reply = %q, want n2:hi", reply)
	}
}

func TestPartitionBlocksBothDirections(t *testing.T) {
	lt := New()
	lt.Register("n1", echoHandler("n1"))
	lt.Register("n2", echoHandler("n2"))
	lt.Partition("n1")

	ctx := WithCallerID(context.Background(), "n1")
	if _, err := lt.Call(ctx, "n2", "n2", "Ping", nil); err == nil {
		t.Error("expected call to fail while n1 is partitioned")
	}
	ctx2 := WithCallerID(context.Background(), "n2")
	if _, err := lt.Call(ctx2, "n1", "n1", "Ping", nil); err == nil {
		t.Error("expected n2->n1 call to fail while n1 is partitioned")
	}

	lt.HealAll()
	if _, err := lt.Call(ctx, "n2", "n2", "Ping", nil); err != nil {
		t.Errorf("expected call to succeed after HealAll: %v", err)
	}
}

func TestDisconnectBlocksFromToCalls(t *testing.T) {
	lt := New()
	lt.Register("n1", echoHandler("n1"))
	lt.Register("n2", echoHandler("n2"))
	lt.Disconnect("n1", "n2")

	ctx1 := WithCallerID(context.Background(), "n1")
	if _, err := lt.Call(ctx1, "n2", "n2", "Ping", nil); err == nil {
		t.Error("expected n1->n2 call to fail")
	}
}

func TestSetLatencyDelaysCall(t *testing.T) {
	lt := New()
	lt.Register("n1", echoHandler("n1"))
	lt.SetLatency(20 * time.Millisecond)

	ctx := WithCallerID(context.Background(), "caller")
	start := time.Now()
	if _, err := lt.Call(ctx, "n1", "n1", "Ping", nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("expected Call to honor configured latency")
	}
}

func TestUnknownPeerErrors(t *testing.T) {
	lt := New()
	if _, err := lt.Call(context.Background(), "ghost", "ghost", "Ping", nil); err == nil {
		t.Error("expected error calling unregistered peer")
	}
}
