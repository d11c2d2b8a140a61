package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe_PrefixMatch(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicApprovalRequested, ApprovalRequested{Nonce: "AB12-CD34", ChatID: 7})
	b.Publish(TopicScopeRotated, ScopeRotation{Scope: "agent"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicApprovalRequested {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
		req, ok := ev.Payload.(ApprovalRequested)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if req.Nonce != "AB12-CD34" || req.ChatID != 7 {
			t.Errorf("payload mismatch: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}

	// The scope.rotated event must not reach an approval.* subscriber.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, open := <-sub.Ch(); open {
		t.Errorf("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestPublish_SlowConsumerDoesNotBlock(t *testing.T) {
	b := New()
	sub := b.Subscribe("token.")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTokenIssued, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow consumer")
	}
}
