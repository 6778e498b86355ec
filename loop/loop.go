// Package loop implements the coordination loop that all context tree and
// set mutation is confined to. One loop runs per process; everything that
// mutates protocol state either already runs on the loop or queues work onto
// it through RegisterCallback.
package loop

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.bctree.io/bctree/log"
)

// Loop serializes callbacks onto a single goroutine, the one that called
// Start. It keeps running for as long as there are reserved callbacks that
// have not yet fired.
type Loop struct {
	lock                sync.Mutex
	queue               []func() error
	wakeupCh            chan struct{} // TODO: maybe use sync.Cond?
	registeredCallbacks int
	logger              *log.Logger

	// goroutine id of the goroutine running Start, 0 while stopped
	runningID int64
}

// New returns an unstarted loop.
func New(logger *log.Logger) *Loop {
	return &Loop{
		wakeupCh: make(chan struct{}, 1),
		logger:   logger,
	}
}

func (l *Loop) wakeup() {
	select {
	case l.wakeupCh <- struct{}{}:
	default:
	}
}

// RegisterCallback reserves a spot on the loop and returns a function that
// will queue its argument to run on it. The returned function must be called
// exactly once; until it is, the loop will not exit. This is how goroutines
// outside the loop (transport read pumps, timers) get work onto it.
func (l *Loop) RegisterCallback() (enqueueCallback func(func() error)) {
	l.lock.Lock()
	var callbackCalled bool
	l.registeredCallbacks++
	l.lock.Unlock()

	return func(f func() error) {
		l.lock.Lock()
		if callbackCalled { // this is protected by the lock on the loop
			l.lock.Unlock()
			panic("the callback returned by RegisterCallback was called twice")
		}
		callbackCalled = true
		l.queue = append(l.queue, f)
		l.registeredCallbacks--
		l.lock.Unlock()

		l.wakeup()
	}
}

// Start runs firstCallback and then the loop itself, on the calling
// goroutine, until no queued or reserved callbacks remain. The first error
// returned by a callback stops the loop and is returned.
func (l *Loop) Start(firstCallback func() error) error {
	l.lock.Lock()
	// Callbacks registered and enqueued before Start must survive it;
	// firstCallback only jumps the queue.
	l.queue = append([]func() error{firstCallback}, l.queue...)
	l.lock.Unlock()
	atomic.StoreInt64(&l.runningID, goRoutineID())
	defer atomic.StoreInt64(&l.runningID, 0)

	for {
		queue, registered := l.popAll()

		if len(queue) == 0 {
			if registered == 0 {
				return nil
			}
			<-l.wakeupCh
			continue
		}

		for _, f := range queue {
			if err := f(); err != nil {
				return err
			}
		}
	}
}

// WaitOnRegistered runs all reserved callbacks that are still outstanding
// after Start returned with an error, so that goroutines blocked on getting
// work onto the loop can finish. Errors from these callbacks are only
// logged.
func (l *Loop) WaitOnRegistered() {
	for {
		queue, registered := l.popAll()

		if len(queue) == 0 {
			if registered == 0 {
				return
			}
			<-l.wakeupCh
			continue
		}

		for _, f := range queue {
			if err := f(); err != nil {
				l.logger.Warnf("Loop:WaitOnRegistered", "discarded error: %v", err)
			}
		}
	}
}

func (l *Loop) popAll() (queue []func() error, registered int) {
	l.lock.Lock()
	queue = l.queue
	l.queue = make([]func() error, 0, len(queue))
	registered = l.registeredCallbacks
	l.lock.Unlock()
	return queue, registered
}

// AssertInLoop panics if the loop is running and the caller is not on the
// loop goroutine. Mutating entry points of the registry and set table call
// this; cross-goroutine mutation is a contract violation, not a recoverable
// condition. A nil receiver and a stopped loop are both permissive, which
// keeps setup code and single-goroutine tests out of the loop's way.
func (l *Loop) AssertInLoop() {
	if l == nil {
		return
	}
	running := atomic.LoadInt64(&l.runningID)
	if running == 0 {
		return
	}
	if id := goRoutineID(); id != running {
		panic(fmt.Sprintf("loop-confined state mutated from goroutine %d while the loop runs on %d", id, running))
	}
}

func goRoutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.ParseInt(idField, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("cannot get goroutine id: %v", err))
	}
	return id
}
