package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestNoopPublisher_Publish(t *testing.T) {
	pub := &NoopPublisher{}
	err := pub.Publish(context.Background(), TopicTaskRegistered, TaskRegistered{TaskID: 1})
	if err != nil {
		t.Fatalf("NoopPublisher.Publish returned unexpected error: %v", err)
	}
}

func TestNoopPublisher_Close(t *testing.T) {
	pub := &NoopPublisher{}
	if err := pub.Close(); err != nil {
		t.Fatalf("NoopPublisher.Close returned unexpected error: %v", err)
	}
}

func TestPublishers_ImplementPublisher(t *testing.T) {
	var _ Publisher = (*NoopPublisher)(nil)
	var _ Publisher = (*NATSPublisher)(nil)
}

func TestDecodeTaskRegistered(t *testing.T) {
	for _, tc := range []struct {
		name    string
		data    string
		want    TaskRegistered
		wantErr bool
	}{
		{"Valid", `{"task_id":3,"creator":"c0ffee"}`, TaskRegistered{TaskID: 3, Creator: "c0ffee"}, false},
		{"MissingID", `{"creator":"c0ffee"}`, TaskRegistered{}, true},
		{"Malformed", `{`, TaskRegistered{}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeTaskRegistered([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeTaskRegistered: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(TopicTaskRegistered, ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	event := TaskRegistered{TaskID: 7, Creator: "c0ffee"}
	if err := pub.Publish(context.Background(), TopicTaskRegistered, event); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	pub.Flush()

	select {
	case msg := <-ch:
		var got TaskRegistered
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got != event {
			t.Errorf("got %+v, want %+v", got, event)
		}
		if id := msg.Header.Get(HeaderTaskID); id != "7" {
			t.Errorf("%s = %q, want 7", HeaderTaskID, id)
		}
		if id := msg.Header.Get(HeaderMsgID); id != TopicTaskRegistered+".7" {
			t.Errorf("%s = %q", HeaderMsgID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, TopicTaskRegistered, TaskRegistered{TaskID: 1}); err == nil {
		t.Fatal("expected error publishing with canceled context")
	}
}

func TestNATSPublisher_Close(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Publishing after close should fail.
	err = pub.Publish(context.Background(), TopicTaskRegistered, TaskRegistered{TaskID: 1})
	if err == nil {
		t.Error("expected error publishing after close")
	}
}

func TestNewMsg(t *testing.T) {
	msg, err := newMsg(TopicKeeperLowGas, LowGas{TaskID: 9, GasBalance: 1, Threshold: 10})
	if err != nil {
		t.Fatalf("newMsg: %v", err)
	}
	if msg.Subject != TopicKeeperLowGas || msg.Header.Get(HeaderTaskID) != "9" {
		t.Fatalf("unexpected message: subject=%s header=%v", msg.Subject, msg.Header)
	}
	if msg.Header.Get(HeaderMsgID) != "" {
		t.Fatal("alerts repeat and must not carry a dedupe ID")
	}

	plain, err := newMsg(TopicTaskRegistered, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("newMsg: %v", err)
	}
	if len(plain.Header) != 0 {
		t.Fatalf("untyped event got headers %v", plain.Header)
	}

	for _, topic := range []string{"other.topic", TopicAll, "sorotask.task.*", ""} {
		if _, err := newMsg(topic, TaskRegistered{TaskID: 1}); err == nil {
			t.Errorf("topic %q: expected error", topic)
		}
	}
}
