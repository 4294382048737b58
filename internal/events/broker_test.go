package events

import (
	"encoding/json"
	"fmt"
	"testing"
)

func drain(sub *Subscriber) []string {
	var got []string
	for {
		select {
		case payload, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, string(payload))
		default:
			return got
		}
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := NewBroker(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish("tick", map[string]any{"n": i})
	}

	got := drain(sub)
	if len(got) != 5 {
		t.Fatalf("got %d payloads, want 5", len(got))
	}
	for i, payload := range got {
		var ev struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if ev.Type != "tick" {
			t.Errorf("payload %d type: got %q", i, ev.Type)
		}
		if int(ev.Data["n"].(float64)) != i {
			t.Errorf("payload %d out of order: %v", i, ev.Data["n"])
		}
	}
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	// Scenario: capacity 1, two rapid publishes. The unread subscriber is
	// removed; later publishes reach remaining subscribers only.
	b := NewBroker(1)
	drops := 0
	b.DropHook = func() { drops++ }

	slow := b.Subscribe()
	fast := b.Subscribe()

	b.Publish("new_post", map[string]any{"post_id": "1"})
	// fast keeps up:
	<-fast.C()

	b.Publish("new_post", map[string]any{"post_id": "2"})
	if b.SubscriberCount() != 1 {
		t.Fatalf("slow subscriber not dropped: %d live", b.SubscriberCount())
	}
	if drops != 1 {
		t.Errorf("drop hook ran %d times, want 1", drops)
	}

	// slow's channel is closed after its single buffered payload.
	got := drain(slow)
	if len(got) != 1 {
		t.Errorf("slow subscriber got %d payloads, want its 1 buffered", len(got))
	}
	if _, ok := <-slow.C(); ok {
		t.Error("slow subscriber channel should be closed")
	}

	b.Publish("new_post", map[string]any{"post_id": "3"})
	if got := drain(fast); len(got) != 2 {
		t.Errorf("fast subscriber got %d payloads, want 2", len(got))
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := NewBroker(4)
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count: got %d", b.SubscriberCount())
	}
	// Publishing after removal must not panic on the closed channel.
	b.Publish("tick", nil)
}

func TestPublish_PrefixPreservingUnderDrop(t *testing.T) {
	// A subscriber that is eventually dropped still saw a strict prefix-
	// preserving subsequence of the publish order.
	b := NewBroker(2)
	sub := b.Subscribe()

	published := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("p%d", i)
		published = append(published, id)
		b.Publish("new_post", map[string]string{"post_id": id})
	}

	received := drain(sub)
	if len(received) == 0 || len(received) > 2 {
		t.Fatalf("got %d payloads, want 1..2 (queue bound)", len(received))
	}
	for i, payload := range received {
		var ev struct {
			Data map[string]string `json:"data"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Data["post_id"] != published[i] {
			t.Errorf("position %d: got %s, want %s", i, ev.Data["post_id"], published[i])
		}
	}
}
