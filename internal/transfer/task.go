package transfer

import (
	"sync"
	"time"
)

// task posts an event after first, then every interval until cancelled.
// A zero interval makes it one-shot.
type task struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startTask(first, every time.Duration, out chan<- event, ev event) *task {
	t := &task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)

		timer := time.NewTimer(first)
		defer timer.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-timer.C:
			}

			select {
			case out <- ev:
			case <-t.stop:
				return
			}

			if every <= 0 {
				return
			}
			timer.Reset(every)
		}
	}()

	return t
}

// cancel stops the task and waits for its goroutine to exit. Safe on nil
// and safe to call more than once.
func (t *task) cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
