package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// HeaderInvocationID carries the correlation ID on HTTP calls.
const HeaderInvocationID = "X-Sorotask-Invocation"

// maxResponseBytes caps how much of a capability response is read.
const maxResponseBytes = 1 << 20

// Directory maps a capability name to the base URL that serves it.
type Directory map[string]string

// ParseDirectory parses a comma-separated list of name=url pairs.
func ParseDirectory(s string) (Directory, error) {
	d := make(Directory)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" || raw == "" {
			return nil, fmt.Errorf("invalid directory entry %q (want name=url)", pair)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid directory url for %s: %q", name, raw)
		}
		d[strings.TrimSpace(name)] = strings.TrimRight(raw, "/")
	}
	return d, nil
}

// callRequest is the body POSTed to a capability endpoint.
type callRequest struct {
	Args []model.Value `json:"args"`
}

// HTTPInvoker calls capabilities served over HTTP. A call to identity
// "http:billing" with selector "charge" POSTs {"args": [...]} to
// {Directory["billing"]}/charge and returns the response body.
type HTTPInvoker struct {
	dir    Directory
	client *http.Client
}

var _ Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker returns an invoker using dir. A zero timeout means 10s.
func NewHTTPInvoker(dir Directory, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInvoker{dir: dir, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (model.Value, error) {
	base, ok := h.dir[identity.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, identity)
	}
	if args == nil {
		args = []model.Value{}
	}
	body, err := json.Marshal(callRequest{Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+url.PathEscape(selector), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := InvocationID(ctx); id != "" {
		req.Header.Set(HeaderInvocationID, id)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", identity, selector, err)
	}
	defer resp.Body.Close()

	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok2xx && resultDiscarded(ctx) {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, fmt.Errorf("reading response from %s.%s: %w", identity, selector, err)
		}
		return model.Value("null"), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s.%s: %w", identity, selector, err)
	}
	if !ok2xx {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Value("null"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s.%s returned invalid JSON", identity, selector)
	}
	return model.Value(data), nil
}

// StatusError is a non-2xx response from an HTTP capability.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("capability returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("capability returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Handler exposes fn as an HTTP capability. Mount it at the base URL
// listed in the caller's Directory; the last path segment is the selector.
func Handler(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req callRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxResponseBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		selector := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
		res, err := fn(r.Context(), selector, req.Args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if res == nil {
			res = model.Value("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res)
	})
}
