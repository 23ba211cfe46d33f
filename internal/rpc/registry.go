package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Future is the pending outcome of a request. It resolves exactly once:
// by a response, by its timeout, or by a bulk flush.
type Future struct {
	id     int64
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newFuture(id int64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id, or 0 if the request was never registered.
func (f *Future) ID() int64 {
	return f.id
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done. Giving up on ctx
// does not cancel the request.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the future has settled.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// PendingRequest is an in-flight request. It owns exactly one timer.
type PendingRequest struct {
	ID        int64
	Method    string
	Params    any
	StartTime time.Time
	Timeout   time.Duration

	allowResync bool
	timer       *time.Timer
	future      *Future
}

// PendingInfo describes a pending request for diagnostics.
type PendingInfo struct {
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Elapsed time.Duration `json:"elapsedMs"`
}

// MarshalJSON reports the elapsed time in milliseconds.
func (p PendingInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Elapsed int64  `json:"elapsedMs"`
	}{p.ID, p.Method, p.Elapsed.Milliseconds()})
}

// SendOption configures a single request.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout     time.Duration
	allowResync bool
}

// WithTimeout overrides the policy timeout for one request.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// withoutResync keeps a handshake timeout from escalating to the
// coordinator. Used for the coordinator's own retries.
func withoutResync() SendOption {
	return func(o *sendOptions) {
		o.allowResync = false
	}
}

// WriteFunc delivers an encoded request to the server.
type WriteFunc func(req *Request) error

// HandshakeTimeoutFunc takes over a handshake whose timer expired. Its
// return values resolve the original request's future.
type HandshakeTimeoutFunc func(req *PendingRequest, timeout *RequestTimeoutError) (json.RawMessage, error)

// RequestRegistry correlates responses with in-flight requests and enforces
// per-request timeouts.
//
// The pending map is the single source of truth: whichever of response,
// timeout or flush removes an entry first owns its resolution.
type RequestRegistry struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*PendingRequest

	policy             *TimeoutPolicy
	write              WriteFunc
	onHandshakeTimeout HandshakeTimeoutFunc
	log                Logger
	now                func() time.Time
}

// NewRequestRegistry creates a registry that writes requests with write.
func NewRequestRegistry(policy *TimeoutPolicy, write WriteFunc, log Logger) *RequestRegistry {
	return &RequestRegistry{
		pending: make(map[int64]*PendingRequest),
		policy:  policy,
		write:   write,
		log:     newSafeLogger(log),
		now:     time.Now,
	}
}

// OnHandshakeTimeout installs the handler for expired handshakes.
func (r *RequestRegistry) OnHandshakeTimeout(fn HandshakeTimeoutFunc) {
	r.mu.Lock()
	r.onHandshakeTimeout = fn
	r.mu.Unlock()
}

// Send registers a request, starts its timer and writes it.
func (r *RequestRegistry) Send(method string, params any, opts ...SendOption) *Future {
	options := sendOptions{allowResync: true}
	for _, opt := range opts {
		opt(&options)
	}

	timeout := options.timeout
	if timeout <= 0 {
		timeout = r.policy.TimeoutFor(method)
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	req := &PendingRequest{
		ID:          id,
		Method:      method,
		Params:      params,
		StartTime:   r.now(),
		Timeout:     timeout,
		allowResync: options.allowResync,
		future:      newFuture(id),
	}
	req.timer = time.AfterFunc(timeout, func() { r.expire(req) })
	r.pending[id] = req
	r.mu.Unlock()

	r.log.Trace("sending request", "id", id, "method", method, "timeout", timeout)

	err := r.write(&Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		if r.remove(id) != nil {
			req.future.resolve(nil, err)
		}
	}
	return req.future
}

// remove atomically takes a request out of the registry and stops its
// timer. It returns nil if another path already removed it.
func (r *RequestRegistry) remove(id int64) *PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	req.timer.Stop()
	return req
}

// Resolve settles the request a response refers to and returns it.
// Responses for unknown or already settled ids are ignored and yield nil.
func (r *RequestRegistry) Resolve(msg *Message) *PendingRequest {
	if msg == nil || msg.ID == nil {
		return nil
	}
	req := r.remove(*msg.ID)
	if req == nil {
		r.log.Debug("ignoring response for unknown request", "id", *msg.ID)
		return nil
	}

	if msg.Error != nil {
		req.future.resolve(nil, msg.Error)
	} else {
		req.future.resolve(msg.Result, nil)
	}
	return req
}

// expire runs on the timer goroutine.
func (r *RequestRegistry) expire(req *PendingRequest) {
	r.mu.Lock()
	current, ok := r.pending[req.ID]
	if !ok || current != req {
		r.mu.Unlock()
		return
	}
	delete(r.pending, req.ID)
	handler := r.onHandshakeTimeout
	r.mu.Unlock()

	timeoutErr := &RequestTimeoutError{Method: req.Method, Timeout: req.Timeout}
	r.log.Warn("request timed out", "id", req.ID, "method", req.Method, "timeout", req.Timeout)

	if req.Method == HandshakeMethod && req.allowResync && handler != nil {
		result, err := handler(req, timeoutErr)
		req.future.resolve(result, err)
		return
	}
	req.future.resolve(nil, timeoutErr)
}

// FlushAll rejects every pending request with reason and returns how many
// were flushed.
func (r *RequestRegistry) FlushAll(reason error) int {
	r.mu.Lock()
	flushed := make([]*PendingRequest, 0, len(r.pending))
	for id, req := range r.pending {
		req.timer.Stop()
		delete(r.pending, id)
		flushed = append(flushed, req)
	}
	r.mu.Unlock()

	sort.Slice(flushed, func(i, j int) bool { return flushed[i].ID < flushed[j].ID })
	for _, req := range flushed {
		req.future.resolve(nil, reason)
	}
	if len(flushed) > 0 {
		r.log.Debug("flushed pending requests", "count", len(flushed), "reason", reason)
	}
	return len(flushed)
}

// Len returns the number of pending requests.
func (r *RequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending describes the in-flight requests ordered by id.
func (r *RequestRegistry) Pending() []PendingInfo {
	r.mu.Lock()
	now := r.now()
	infos := make([]PendingInfo, 0, len(r.pending))
	for _, req := range r.pending {
		infos = append(infos, PendingInfo{
			ID:      req.ID,
			Method:  req.Method,
			Elapsed: now.Sub(req.StartTime),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
