package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// SubjectPrefix is the root of every capability subject.
const SubjectPrefix = "sorotask.invoke"

// Subject returns the request subject for a capability call. The name
// part of the identity may itself contain dots.
func Subject(identity model.Identity, selector string) string {
	return SubjectPrefix + "." + identity.Name() + "." + selector
}

// natsReply is the response envelope for NATS capability calls.
type natsReply struct {
	Result model.Value `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RemoteError is an error reported by the capability itself.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "capability error: " + e.Message }

// NATSInvoker calls capabilities over NATS request/reply.
type NATSInvoker struct {
	conn    *nats.Conn
	timeout time.Duration
}

var _ Invoker = (*NATSInvoker)(nil)

// NewNATSInvoker connects to url. A zero timeout means 10s.
func NewNATSInvoker(url string, timeout time.Duration, opts ...nats.Option) (*NATSInvoker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSInvoker{conn: nc, timeout: timeout}, nil
}

func (n *NATSInvoker) Call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (model.Value, error) {
	if args == nil {
		args = []model.Value{}
	}
	data, err := json.Marshal(callRequest{Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}

	msg := nats.NewMsg(Subject(identity, selector))
	msg.Data = data
	if id := InvocationID(ctx); id != "" {
		msg.Header.Set(HeaderInvocationID, id)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	resp, err := n.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, identity)
		}
		return nil, fmt.Errorf("calling %s.%s: %w", identity, selector, err)
	}

	var reply natsReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decoding reply from %s.%s: %w", identity, selector, err)
	}
	if reply.Error != "" {
		return nil, &RemoteError{Message: reply.Error}
	}
	if reply.Result == nil {
		return model.Value("null"), nil
	}
	return reply.Result, nil
}

// Close closes the NATS connection.
func (n *NATSInvoker) Close() error {
	n.conn.Close()
	return nil
}

// Serve answers calls for the capability name on nc until the returned
// subscription is unsubscribed. Panics in fn are reported as errors.
func Serve(nc *nats.Conn, name string, fn Func, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := SubjectPrefix + "." + name + "."
	sub, err := nc.Subscribe(prefix+"*", func(msg *nats.Msg) {
		selector := strings.TrimPrefix(msg.Subject, prefix)
		reply := serveOne(msg, selector, fn)
		if reply.Error != "" {
			logger.Debug("capability returned error", "capability", name, "selector", selector,
				"invocation", msg.Header.Get(HeaderInvocationID), "err", reply.Error)
		}
		data, err := json.Marshal(reply)
		if err != nil {
			data = []byte(`{"error":"encoding reply"}`)
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("failed to respond to capability call", "capability", name, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing capability %s: %w", name, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return sub, nil
}

func serveOne(msg *nats.Msg, selector string, fn Func) (reply natsReply) {
	defer func() {
		if r := recover(); r != nil {
			reply = natsReply{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	var req callRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return natsReply{Error: "invalid request body"}
	}
	ctx := WithInvocationID(context.Background(), msg.Header.Get(HeaderInvocationID))
	res, err := fn(ctx, selector, req.Args)
	if err != nil {
		return natsReply{Error: err.Error()}
	}
	return natsReply{Result: res}
}
