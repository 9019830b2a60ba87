package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// Headers set on every published message.
const (
	HeaderTaskID = "Sorotask-Task-Id"
	// HeaderMsgID lets JetStream streams drop a republished event.
	HeaderMsgID = "Nats-Msg-Id"
)

// subjectPrefix is the namespace every topic must live under.
const subjectPrefix = "sorotask."

// taskEvent is implemented by events that concern a single task.
type taskEvent interface {
	Task() model.TaskID
}

func (e TaskRegistered) Task() model.TaskID { return e.TaskID }
func (e LowGas) Task() model.TaskID         { return e.TaskID }

// NATSPublisher publishes events as JSON on their topic subject.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url. The connection is named after the
// process role so it is identifiable in the server's connz output.
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, append([]nats.Option{nats.Name("sorotask-publisher")}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish sends event on topic. Events about a task carry its ID in
// HeaderTaskID, and registrations also get a HeaderMsgID derived from it.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := newMsg(topic, event)
	if err != nil {
		return err
	}
	return p.conn.PublishMsg(msg)
}

func newMsg(topic string, event any) (*nats.Msg, error) {
	if !strings.HasPrefix(topic, subjectPrefix) || strings.ContainsAny(topic, "*> ") {
		return nil, fmt.Errorf("topic %q is not a concrete %s* subject", topic, subjectPrefix)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", topic, err)
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	if te, ok := event.(taskEvent); ok {
		id := te.Task().String()
		msg.Header.Set(HeaderTaskID, id)
		if topic == TopicTaskRegistered {
			// A task registers exactly once.
			msg.Header.Set(HeaderMsgID, topic+"."+id)
		}
	}
	return msg, nil
}

// Flush waits until the server has processed everything published so far.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber receives events from NATS subjects.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects with unlimited reconnects. Extra options
// such as disconnect and reconnect handlers are applied after the defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	defaults := []nats.Option{
		nats.Name("sorotask-subscriber"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe delivers payloads published on topic, which may be a wildcard
// such as TopicAll. The channel drops messages while full. Cancel
// unsubscribes and closes the channel.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Registrations published right after Subscribe returns must be routed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
