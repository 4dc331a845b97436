package eventstore

import (
	"sync"

	"github.com/go-conductor/conductor/log"
)

// notifier fans appended events out to registered subscribers. Each subscriber owns a
// queue drained by a single goroutine, so one subscriber observes events in append
// order and a slow subscriber never blocks Append or other subscribers.
type notifier struct {
	logger log.Logger

	mtx         sync.RWMutex
	subscribers []*subscription
}

func newNotifier(logger log.Logger) *notifier {
	return &notifier{logger: logger}
}

type subscription struct {
	name    string
	handler EventHandler
	logger  log.Logger

	mtx     sync.Mutex
	pending []Event
	wakeup  chan struct{}
	done    chan struct{}
}

func (n *notifier) register(name string, handler EventHandler) {
	sub := &subscription{
		name:    name,
		handler: handler,
		logger:  n.logger.WithFields(log.Fields{"subscriber": name}),
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go sub.drain()

	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.subscribers = append(n.subscribers, sub)
}

func (n *notifier) notify(events []Event) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	for _, sub := range n.subscribers {
		sub.enqueue(events)
	}
}

func (n *notifier) stop() {
	n.mtx.Lock()
	subs := n.subscribers
	n.subscribers = nil
	n.mtx.Unlock()

	for _, sub := range subs {
		close(sub.wakeup)
		<-sub.done
	}
}

func (s *subscription) enqueue(events []Event) {
	s.mtx.Lock()
	s.pending = append(s.pending, events...)
	s.mtx.Unlock()

	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() {
	defer close(s.done)

	for range s.wakeup {
		for {
			s.mtx.Lock()
			batch := s.pending
			s.pending = nil
			s.mtx.Unlock()

			if len(batch) == 0 {
				break
			}

			for i := range batch {
				if err := s.handler(batch[i]); err != nil {
					// the log is authoritative, a failing subscriber catches up on its own
					s.logger.Logf(log.ErrorLevel, "subscriber failed handling event %s (stream %s, v%d): %s", batch[i].UID, batch[i].StreamID, batch[i].Version, err)
				}
			}
		}
	}
}
