package docstore

import (
	"sync"
)

// Feed fans collection snapshots out to subscribers. Every subscriber owns a
// goroutine and a one-slot mailbox: a newer snapshot replaces one that has not
// been delivered yet, so a slow callback never blocks writers and always ends
// up seeing the latest state.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*feedSub
}

type feedSub struct {
	mailbox chan []Document
	done    chan struct{}
	once    sync.Once
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string]map[int]*feedSub)}
}

// Subscribe registers fn for collection and queues the snapshot produced by
// load as its first delivery. load runs under the feed lock so that it cannot
// interleave with a concurrent Publish.
func (f *Feed) Subscribe(collection string, fn func([]Document), load func() ([]Document, error)) (Unsubscribe, error) {
	f.mu.Lock()
	initial, err := load()
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	sub := &feedSub{mailbox: make(chan []Document, 1), done: make(chan struct{})}
	sub.mailbox <- initial
	id := f.nextID
	f.nextID++
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[int]*feedSub)
	}
	f.subs[collection][id] = sub
	f.mu.Unlock()

	go sub.run(fn)

	return func() {
		f.mu.Lock()
		delete(f.subs[collection], id)
		if len(f.subs[collection]) == 0 {
			delete(f.subs, collection)
		}
		f.mu.Unlock()
		sub.stop()
	}, nil
}

// Publish loads the current snapshot of collection and hands it to every
// subscriber. Nothing is loaded when the collection has no subscribers.
func (f *Feed) Publish(collection string, load func() ([]Document, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[collection]
	if len(subs) == 0 {
		return nil
	}
	docs, err := load()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		sub.offer(docs)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on collection.
func (f *Feed) Subscribers(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[collection])
}

// offer is only called with the feed lock held, so the drain-then-send pair
// cannot race with another offer.
func (s *feedSub) offer(docs []Document) {
	select {
	case <-s.mailbox:
	default:
	}
	select {
	case s.mailbox <- docs:
	default:
	}
}

func (s *feedSub) run(fn func([]Document)) {
	for {
		select {
		case <-s.done:
			return
		case docs := <-s.mailbox:
			select {
			case <-s.done:
				return
			default:
			}
			fn(docs)
		}
	}
}

func (s *feedSub) stop() {
	s.once.Do(func() { close(s.done) })
}
