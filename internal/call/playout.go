package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

// playoutItem is either a frame of bot audio or a mark.
type playoutItem struct {
	frame   audio.Frame
	mark    string
	entered time.Time
	gen     uint64
}

// playout is the queue between the upstream event pump and the telephony
// writer. flush discards everything not yet handed to the writer; an item
// counts as sent once it passed the generation check in deliver.
type playout struct {
	mu     sync.Mutex
	items  []playoutItem
	notify chan struct{}

	gen    atomic.Uint64
	sendMu sync.Mutex
}

func newPlayout() *playout {
	return &playout{notify: make(chan struct{}, 1)}
}

func (p *playout) push(item playoutItem) {
	p.mu.Lock()
	item.gen = p.gen.Load()
	p.items = append(p.items, item)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// flush drops queued items and invalidates any item popped but not yet
// delivered. It returns the number of audio frames dropped.
func (p *playout) flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen.Add(1)

	dropped := 0
	for _, item := range p.items {
		if item.mark == "" {
			dropped++
		}
	}
	p.items = nil
	return dropped
}

func (p *playout) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// next blocks until an item is queued or ctx is done.
func (p *playout) next(ctx context.Context) (playoutItem, bool) {
	for {
		p.mu.Lock()
		if len(p.items) > 0 {
			item := p.items[0]
			p.items = p.items[1:]
			p.mu.Unlock()
			return item, true
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return playoutItem{}, false
		}
	}
}

// deliver runs send unless item was flushed after it was popped. It reports
// whether send ran. A flush racing with an in-flight send does not wait for
// it; the send completes.
func (p *playout) deliver(item playoutItem, send func(playoutItem) error) (bool, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if item.gen != p.gen.Load() {
		return false, nil
	}
	return true, send(item)
}
