// Package signer runs CPU-bound cryptographic work on a bounded pool of
// workers so signature generation and verification cannot starve the HTTP
// handlers or the job workers of OS threads.
package signer

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/fedigrid/relay/internal/errs"
)

// verifyRatio is the share of threads reserved for verification: one verifier
// per seven signers, with at least one of each.
const verifyRatio = 7

// Pool schedules closures on dedicated sign and verify workers. Both lanes are
// bounded, so a flood of inbound signatures cannot delay outbound deliveries
// and vice versa.
type Pool struct {
	sign   chan task
	verify chan task

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// task is one unit of crypto work. The id correlates a submission with its
// worker-side log lines.
type task struct {
	id   string
	fn   func() error
	done chan error
}

func newTask(fn func() error) task {
	return task{id: uuid.NewString(), fn: fn, done: make(chan error, 1)}
}

// Split divides n threads between the sign and verify lanes.
func Split(n int) (signers, verifiers int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	if n <= verifyRatio {
		return n, 1
	}
	verifiers = n / verifyRatio
	signers = n - verifiers
	return signers, verifiers
}

// NewPool starts a pool sized for n threads.
func NewPool(n int) *Pool {
	signers, verifiers := Split(n)

	p := &Pool{
		sign:    make(chan task),
		verify:  make(chan task),
		closeCh: make(chan struct{}),
	}

	slog.Debug("starting signer pool", "signers", signers, "verifiers", verifiers)

	for i := 0; i < signers; i++ {
		p.wg.Add(1)
		go p.worker(p.sign)
	}
	for i := 0; i < verifiers; i++ {
		p.wg.Add(1)
		go p.worker(p.verify)
	}
	return p
}

func (p *Pool) worker(ch chan task) {
	defer p.wg.Done()
	for {
		select {
		case t := <-ch:
			err := t.fn()
			if err != nil {
				slog.Debug("crypto task failed", "task", t.id, "error", err)
			}
			t.done <- err
		case <-p.closeCh:
			return
		}
	}
}

// Sign runs fn on the signing lane and returns its error. After Close it
// returns a canceled error without running fn.
func (p *Pool) Sign(fn func() error) error {
	return p.run(p.sign, fn)
}

// Verify runs fn on the verification lane and returns its error. After Close
// it returns a canceled error without running fn.
func (p *Pool) Verify(fn func() error) error {
	return p.run(p.verify, fn)
}

func (p *Pool) run(ch chan task, fn func() error) error {
	t := newTask(fn)
	select {
	case ch <- t:
		return <-t.done
	case <-p.closeCh:
		return errs.Canceled()
	}
}

// Close stops the workers. Tasks already handed to a worker finish; tasks
// submitted afterwards fail with a canceled error.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
