// Package remotetest provides a scripted remote.Invoker for tests.
package remotetest

import (
	"context"
	"sync"
	"time"

	"bragsync/internal/remote"

	"github.com/tidwall/gjson"
)

// Response is one scripted reply. Data is the JSON of the "data" payload.
type Response struct {
	Data  string
	Err   error
	Delay time.Duration
	// Wait blocks the reply until closed or the request context ends
	Wait <-chan struct{}
	// Before runs once the call is recorded and before the reply is produced
	Before func()
}

// OK returns a successful reply carrying data
func OK(data string) Response {
	return Response{Data: data}
}

// Rejected returns a success=false reply with message
func Rejected(op remote.Operation, message string) Response {
	return Response{Err: &remote.OperationError{Kind: remote.KindRejected, Op: op, Message: message}}
}

// Call records one Invoke
type Call struct {
	Op      remote.Operation
	Params  remote.Params
	Timeout time.Duration
}

// Fake replays queued responses per operation. Once a queue is drained the
// operation's fallback (set with Always) is used.
type Fake struct {
	mu       sync.Mutex
	queues   map[remote.Operation][]Response
	fallback map[remote.Operation]Response
	calls    []Call
}

var _ remote.Invoker = (*Fake)(nil)

// New creates an empty fake
func New() *Fake {
	return &Fake{
		queues:   make(map[remote.Operation][]Response),
		fallback: make(map[remote.Operation]Response),
	}
}

// Queue appends responses for op
func (f *Fake) Queue(op remote.Operation, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[op] = append(f.queues[op], responses...)
	return f
}

// Always sets the reply used once op's queue is empty
func (f *Fake) Always(op remote.Operation, r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback[op] = r
	return f
}

// Invoke implements remote.Invoker
func (f *Fake) Invoke(ctx context.Context, op remote.Operation, params remote.Params, timeout time.Duration) (gjson.Result, error) {
	f.mu.Lock()
	copied := make(remote.Params, len(params))
	for k, v := range params {
		copied[k] = v
	}
	f.calls = append(f.calls, Call{Op: op, Params: copied, Timeout: timeout})

	var r Response
	if q := f.queues[op]; len(q) > 0 {
		r = q[0]
		f.queues[op] = q[1:]
	} else if fb, ok := f.fallback[op]; ok {
		r = fb
	} else {
		r = Rejected(op, "no scripted response for "+string(op))
	}
	f.mu.Unlock()

	if r.Before != nil {
		r.Before()
	}

	if r.Wait != nil {
		select {
		case <-r.Wait:
		case <-ctx.Done():
			return gjson.Result{}, &remote.OperationError{Kind: remote.KindTransport, Op: op, Err: ctx.Err()}
		}
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return gjson.Result{}, &remote.OperationError{Kind: remote.KindTransport, Op: op, Err: ctx.Err()}
		}
	}

	if r.Err != nil {
		return gjson.Result{}, r.Err
	}
	return gjson.Parse(r.Data), nil
}

// Calls returns the recorded calls for op, or all calls when op is empty
func (f *Fake) Calls(op remote.Operation) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was invoked
func (f *Fake) Count(op remote.Operation) int {
	return len(f.Calls(op))
}
