package progress

import (
	"sync"
	"time"
)

// Publisher fans snapshots out to any number of subscriber channels.
// Publishing never blocks: a subscriber that falls behind loses
// intermediate snapshots, never the terminal one.
type Publisher struct {
	mu     sync.Mutex
	subs   []chan Snapshot
	last   Snapshot
	closed bool
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe returns a channel receiving snapshots. The most recently
// published snapshot, if any, is replayed first, so a subscriber arriving
// after a fast failure still sees the terminal state. The channel is
// closed when the publisher closes.
func (p *Publisher) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 16)
	if p.closed {
		close(ch)
		return ch
	}
	if !p.last.Time.IsZero() {
		ch <- p.last
	}
	p.subs = append(p.subs, ch)
	return ch
}

func (p *Publisher) Publish(s Snapshot) {
	s.Time = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.last = s
	for _, ch := range p.subs {
		if s.State.Terminal() {
			// Terminal snapshots must arrive; drain one stale entry if full.
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- s
			}
			continue
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Last returns the most recently published snapshot.
func (p *Publisher) Last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
