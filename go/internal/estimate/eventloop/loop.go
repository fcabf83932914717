package eventloop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRun is returned by Run when the loop has already been run once
var ErrAlreadyRun = errors.New("event loop already run")

// Task is one unit of work executed on the loop goroutine
type Task = func()

// Loop serializes every state transition onto a single goroutine.
// Work is posted from any goroutine; Run drains it in FIFO order.
type Loop struct {
	inbox    chan Task
	stopping chan struct{}
	done     chan struct{}
	started  bool
	mu       sync.Mutex

	// postMu lets stop wait out in-flight posts before the final drain
	postMu  sync.RWMutex
	stopped bool
}

// New creates a loop whose inbox holds up to size pending tasks
func New(size int) *Loop {
	return &Loop{
		inbox:    make(chan Task, size),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is cancelled. Tasks already queued at
// cancellation still run before Run returns; later posts are refused.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyRun
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.stop()
			return nil
		case task := <-l.inbox:
			task()
		}
	}
}

func (l *Loop) stop() {
	close(l.stopping)

	l.postMu.Lock()
	l.stopped = true
	l.postMu.Unlock()

	log.Debug().Int("pending", len(l.inbox)).Msg("event loop shutting down")

	for {
		select {
		case task := <-l.inbox:
			task()
		default:
			return
		}
	}
}

// Post queues a task, blocking while the inbox is full. It returns false
// once the loop has stopped.
func (l *Loop) Post(task Task) bool {
	l.postMu.RLock()
	defer l.postMu.RUnlock()
	if l.stopped {
		return false
	}

	select {
	case l.inbox <- task:
		return true
	case <-l.stopping:
		return false
	}
}

// TryPost queues a task without blocking. It returns false when the inbox is
// full or the loop has stopped.
func (l *Loop) TryPost(task Task) bool {
	l.postMu.RLock()
	defer l.postMu.RUnlock()
	if l.stopped {
		return false
	}

	select {
	case l.inbox <- task:
		return true
	default:
		return false
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
