package conversation

import (
	"context"
	"sync"
)

// job is one unit of work for a conversation's handler.
type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// mailbox feeds one conversation's handler goroutine. pending counts jobs
// that were handed out but have not finished; the handler exits once it
// drops to zero.
type mailbox struct {
	inbox   chan *job
	pending int
}

// serializer runs jobs for the same key one at a time, in arrival order,
// on a handler goroutine that exists only while the key has work.
type serializer struct {
	mu    sync.Mutex
	boxes map[string]*mailbox
}

func newSerializer() *serializer {
	return &serializer{boxes: make(map[string]*mailbox)}
}

// do runs fn on key's handler and waits for it. If ctx ends before fn is
// picked up, fn never runs.
func (s *serializer) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	box := s.boxes[key]
	if box == nil {
		box = &mailbox{inbox: make(chan *job)}
		s.boxes[key] = box
		go s.serve(key, box)
	}
	box.pending++
	s.mu.Unlock()

	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case box.inbox <- j:
	case <-ctx.Done():
		s.release(key, box)
		return ctx.Err()
	}
	return <-j.done
}

func (s *serializer) serve(key string, box *mailbox) {
	for j := range box.inbox {
		j.done <- j.fn(j.ctx)
		s.release(key, box)
	}
}

func (s *serializer) release(key string, box *mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box.pending--
	if box.pending == 0 {
		delete(s.boxes, key)
		close(box.inbox)
	}
}

// active reports how many keys currently have a handler.
func (s *serializer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes)
}
