package util

import (
	"context"
	"sync"

	"github.com/jobserv/jobserv/common/logger"
)

// StatefulService gives a background loop a standard lifecycle: Start runs
// the loop on its own goroutine, Stop cancels the loop's context and blocks
// until it has exited. The monitor and git poller embed it.
type StatefulService struct {
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	ctxCancel context.CancelFunc
	doneC     chan struct{}
	fn        func()
	log       logger.Log
}

func NewStatefulService(ctx context.Context, log logger.Log, fn func()) *StatefulService {
	ctx, cancel := context.WithCancel(ctx)
	return &StatefulService{
		ctx:       ctx,
		ctxCancel: cancel,
		doneC:     make(chan struct{}),
		fn:        fn,
		log:       log,
	}
}

// Ctx is the context the loop must watch; it is cancelled by Stop.
func (s *StatefulService) Ctx() context.Context {
	return s.ctx
}

// Done is closed once the loop has exited.
func (s *StatefulService) Done() <-chan struct{} {
	return s.doneC
}

// Start the service. Panics if called more than once.
func (s *StatefulService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Panic("start can only be called once")
	}
	s.started = true
	s.log.Info("Starting...")
	go func() {
		defer close(s.doneC)
		s.log.Info("Started")
		s.fn()
	}()
}

// Stop the service and block until the loop has exited. Idempotent; a
// never-started service stops trivially.
func (s *StatefulService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.log.Info("Stopping...")
	s.ctxCancel()
	<-s.doneC
	s.log.Info("Stopped")
}
