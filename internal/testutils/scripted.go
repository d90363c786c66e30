package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blacktea/internal/adb"
)

// ScriptedResponse is one canned reply from a ScriptedRunner.
type ScriptedResponse struct {
	Lines []string
	Raw   []byte
	Err   error
	Proc  adb.Proc
}

type stubQueue struct {
	key   string
	queue []ScriptedResponse
}

// pop shifts the queue; the last response is sticky and answers every
// further call.
func (q *stubQueue) pop() ScriptedResponse {
	resp := q.queue[0]
	if len(q.queue) > 1 {
		q.queue = q.queue[1:]
	}
	return resp
}

// ScriptedRunner is an adb.Runner whose replies are scripted per
// command line. Commands are keyed by their space-joined argv; each
// key holds a FIFO of responses with a sticky tail. Unscripted
// commands fail loudly so tests catch drift in the argv builders.
type ScriptedRunner struct {
	mu       sync.Mutex
	exact    map[string]*stubQueue
	prefixes []*stubQueue
	calls    []string
}

func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{exact: make(map[string]*stubQueue)}
}

// Stub registers responses for the exact command line.
func (r *ScriptedRunner) Stub(cmd string, responses ...ScriptedResponse) *ScriptedRunner {
	if len(responses) == 0 {
		responses = []ScriptedResponse{{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.exact[cmd]; ok {
		q.queue = append(q.queue, responses...)
	} else {
		r.exact[cmd] = &stubQueue{key: cmd, queue: responses}
	}
	return r
}

// StubLines registers a single sticky success whose Run result is the
// given lines.
func (r *ScriptedRunner) StubLines(cmd string, lines ...string) *ScriptedRunner {
	return r.Stub(cmd, ScriptedResponse{Lines: lines})
}

// StubPrefix matches any command line starting with prefix. Exact
// stubs win; among prefixes the longest match wins. Useful for shell
// probe scripts whose full text is not worth repeating in tests.
func (r *ScriptedRunner) StubPrefix(prefix string, responses ...ScriptedResponse) *ScriptedRunner {
	if len(responses) == 0 {
		responses = []ScriptedResponse{{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.prefixes {
		if q.key == prefix {
			q.queue = append(q.queue, responses...)
			return r
		}
	}
	r.prefixes = append(r.prefixes, &stubQueue{key: prefix, queue: responses})
	return r
}

func (r *ScriptedRunner) next(cmd string) (ScriptedResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)

	if q, ok := r.exact[cmd]; ok {
		return q.pop(), nil
	}
	var best *stubQueue
	for _, q := range r.prefixes {
		if strings.HasPrefix(cmd, q.key) && (best == nil || len(q.key) > len(best.key)) {
			best = q
		}
	}
	if best != nil {
		return best.pop(), nil
	}
	return ScriptedResponse{}, fmt.Errorf("no scripted response for %q", cmd)
}

// Calls returns every command line seen so far, in order.
func (r *ScriptedRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CallCount counts calls whose command line starts with prefix.
func (r *ScriptedRunner) CallCount(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *ScriptedRunner) Run(ctx context.Context, _ time.Duration, args ...string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := r.next(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	return resp.Lines, resp.Err
}

func (r *ScriptedRunner) Output(ctx context.Context, _ time.Duration, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := r.next(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Raw != nil {
		return resp.Raw, nil
	}
	return []byte(strings.Join(resp.Lines, "\n")), nil
}

func (r *ScriptedRunner) Start(ctx context.Context, args ...string) (adb.Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := r.next(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Proc != nil {
		return resp.Proc, nil
	}
	proc := NewScriptedProc()
	for _, l := range resp.Lines {
		proc.Emit(l)
	}
	proc.Finish(nil)
	return proc, nil
}

var _ adb.Runner = (*ScriptedRunner)(nil)

// ScriptedProc is a controllable adb.Proc. Tests drive it with Emit
// and Finish; Stop mirrors the real runner in that an exit caused by
// our own stop reports a nil Wait error.
type ScriptedProc struct {
	mu       sync.Mutex
	lines    chan string
	finished bool
	waitErr  error
	done     chan struct{}
	stopped  atomic.Bool
}

func NewScriptedProc() *ScriptedProc {
	return &ScriptedProc{
		// Emit blocks past 256 buffered lines; keep scripted output small.
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
}

// Emit queues one output line. No-op once finished.
func (p *ScriptedProc) Emit(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.lines <- line
}

// Finish ends the stream with the given exit error.
func (p *ScriptedProc) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.waitErr = err
	close(p.lines)
	close(p.done)
}

func (p *ScriptedProc) Lines() <-chan string { return p.lines }

func (p *ScriptedProc) Stop() {
	p.stopped.Store(true)
	p.Finish(nil)
}

// Stopped reports whether Stop was called, so tests can assert the
// caller shut the stream down rather than abandoning it.
func (p *ScriptedProc) Stopped() bool { return p.stopped.Load() }

func (p *ScriptedProc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ adb.Proc = (*ScriptedProc)(nil)
