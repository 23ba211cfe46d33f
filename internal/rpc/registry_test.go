package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingWriter struct {
	mu   sync.Mutex
	reqs []*Request
	err  error
}

func (w *recordingWriter) write(req *Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.reqs = append(w.reqs, req)
	return nil
}

func (w *recordingWriter) requests() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Request(nil), w.reqs...)
}

func newTestRegistry(t *testing.T) (*RequestRegistry, *recordingWriter) {
	t.Helper()
	policy, err := NewTimeoutPolicy(nil)
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}
	w := &recordingWriter{}
	return NewRequestRegistry(policy, w.write, nil), w
}

func responseFor(id int64, result string) *Message {
	return &Message{ID: &id, Result: json.RawMessage(result)}
}

func waitFuture(t *testing.T, f *Future) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return result, err
}

func TestRequestRegistry_IDsIncrease(t *testing.T) {
	r, w := newTestRegistry(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		f := r.Send("tools/call", nil)
		ids = append(ids, f.ID())
		r.Resolve(responseFor(f.ID(), `null`))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Errorf("id[%d] = %d, want %d", i, id, i+1)
		}
	}

	reqs := w.requests()
	if len(reqs) != 3 || reqs[0].JSONRPC != "2.0" || reqs[0].Method != "tools/call" {
		t.Errorf("unexpected written requests: %+v", reqs)
	}
}

func TestRequestRegistry_Resolve(t *testing.T) {
	r, _ := newTestRegistry(t)

	f := r.Send("tools/list", map[string]any{"cursor": "x"})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	req := r.Resolve(responseFor(f.ID(), `{"tools":[]}`))
	if req == nil || req.Method != "tools/list" {
		t.Fatalf("Resolve returned %+v", req)
	}
	result, err := waitFuture(t, f)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("result = %s", result)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after resolve", r.Len())
	}

	// A duplicate response is ignored.
	if r.Resolve(responseFor(f.ID(), `1`)) != nil {
		t.Error("duplicate response should be ignored")
	}
}

func TestRequestRegistry_ResolveError(t *testing.T) {
	r, _ := newTestRegistry(t)

	f := r.Send("tools/call", nil)
	id := f.ID()
	r.Resolve(&Message{ID: &id, Error: &RPCError{Code: -32000, Message: "tool exploded"}})

	_, err := waitFuture(t, f)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if err.Error() != "tool exploded" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRequestRegistry_UnknownIDIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)
	f := r.Send("tools/call", nil)

	if r.Resolve(responseFor(99, `1`)) != nil {
		t.Error("unknown id should be ignored")
	}
	if r.Resolve(&Message{Method: "notice"}) != nil {
		t.Error("message without id should be ignored")
	}
	if f.Resolved() {
		t.Error("pending future resolved by unrelated message")
	}
	r.FlushAll(ErrConnectionClosed)
}

func TestRequestRegistry_Timeout(t *testing.T) {
	r, _ := newTestRegistry(t)

	f := r.Send("tools/call", nil, WithTimeout(20*time.Millisecond))
	_, err := waitFuture(t, f)

	var timeoutErr *RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *RequestTimeoutError, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("timeout error should match ErrTimeout")
	}
	if err.Error() != "Request timeout after 20ms: tools/call" {
		t.Errorf("error = %q", err.Error())
	}
	if timeoutErr.Handshake() {
		t.Error("tools/call is not a handshake")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after timeout", r.Len())
	}
}

func TestRequestRegistry_TimeoutIsolated(t *testing.T) {
	r, _ := newTestRegistry(t)

	slow := r.Send("tools/call", nil, WithTimeout(20*time.Millisecond))
	sibling := r.Send("tools/call", nil)

	if _, err := waitFuture(t, slow); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if sibling.Resolved() {
		t.Error("sibling request affected by timeout")
	}
	r.Resolve(responseFor(sibling.ID(), `"ok"`))
	if result, err := waitFuture(t, sibling); err != nil || string(result) != `"ok"` {
		t.Errorf("sibling = %s, %v", result, err)
	}
}

func TestRequestRegistry_ResponseWinsOverTimeout(t *testing.T) {
	r, _ := newTestRegistry(t)

	f := r.Send("tools/call", nil, WithTimeout(50*time.Millisecond))
	r.Resolve(responseFor(f.ID(), `1`))
	time.Sleep(100 * time.Millisecond)

	result, err := waitFuture(t, f)
	if err != nil || string(result) != "1" {
		t.Errorf("result = %s, err = %v", result, err)
	}
}

func TestRequestRegistry_HandshakeTimeoutDelegates(t *testing.T) {
	r, _ := newTestRegistry(t)

	var gotReq *PendingRequest
	var gotErr *RequestTimeoutError
	r.OnHandshakeTimeout(func(req *PendingRequest, timeout *RequestTimeoutError) (json.RawMessage, error) {
		gotReq, gotErr = req, timeout
		return json.RawMessage(`{"recovered":true}`), nil
	})

	f := r.Send(HandshakeMethod, map[string]any{"v": 1}, WithTimeout(20*time.Millisecond))
	result, err := waitFuture(t, f)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(result) != `{"recovered":true}` {
		t.Errorf("result = %s", result)
	}
	if gotReq == nil || gotReq.Method != HandshakeMethod || !gotErr.Handshake() {
		t.Errorf("handler got %+v, %v", gotReq, gotErr)
	}
}

func TestRequestRegistry_HandshakeWithoutResync(t *testing.T) {
	r, _ := newTestRegistry(t)

	called := false
	r.OnHandshakeTimeout(func(*PendingRequest, *RequestTimeoutError) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	f := r.Send(HandshakeMethod, nil, WithTimeout(20*time.Millisecond), withoutResync())
	if _, err := waitFuture(t, f); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if called {
		t.Error("handler must not run for retries")
	}
}

func TestRequestRegistry_FlushAll(t *testing.T) {
	r, _ := newTestRegistry(t)

	var futures []*Future
	for i := 0; i < 5; i++ {
		futures = append(futures, r.Send("tools/call", nil))
	}

	if n := r.FlushAll(ErrConnectionClosed); n != 5 {
		t.Errorf("FlushAll() = %d, want 5", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after flush", r.Len())
	}
	for i, f := range futures {
		_, err := waitFuture(t, f)
		if !errors.Is(err, ErrConnectionClosed) || err.Error() != "connection closed" {
			t.Errorf("future %d err = %v", i, err)
		}
	}

	if n := r.FlushAll(ErrConnectionClosed); n != 0 {
		t.Errorf("second FlushAll() = %d", n)
	}
}

func TestRequestRegistry_WriteFailure(t *testing.T) {
	r, w := newTestRegistry(t)
	w.err = errors.New("broken pipe")

	f := r.Send("tools/call", nil)
	_, err := waitFuture(t, f)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("err = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("failed write left %d pending", r.Len())
	}
}

func TestRequestRegistry_Pending(t *testing.T) {
	r, _ := newTestRegistry(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return start }

	r.Send("b", nil)
	r.Send("a", nil)
	r.now = func() time.Time { return start.Add(1500 * time.Millisecond) }

	pending := r.Pending()
	if len(pending) != 2 || pending[0].ID != 1 || pending[1].Method != "a" {
		t.Fatalf("Pending() = %+v", pending)
	}
	if pending[0].Elapsed != 1500*time.Millisecond {
		t.Errorf("elapsed = %v", pending[0].Elapsed)
	}

	data, err := json.Marshal(pending[0])
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"id":1,"method":"b","elapsedMs":1500}` {
		t.Errorf("json = %s", data)
	}
	r.FlushAll(ErrConnectionClosed)
}
