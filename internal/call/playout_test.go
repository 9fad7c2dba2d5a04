package call

import (
	"context"
	"testing"
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

func frameItem() playoutItem {
	return playoutItem{frame: audio.NewFrame(telephonyFormat(), make([]byte, 160))}
}

func TestPlayoutOrder(t *testing.T) {
	p := newPlayout()
	p.push(playoutItem{mark: "a"})
	p.push(playoutItem{mark: "b"})

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		item, ok := p.next(ctx)
		if !ok || item.mark != want {
			t.Fatalf("next = %q, %v; want %q", item.mark, ok, want)
		}
	}
}

func TestPlayoutFlushCountsAudioOnly(t *testing.T) {
	p := newPlayout()
	p.push(frameItem())
	p.push(frameItem())
	p.push(playoutItem{mark: "turn-1"})

	if n := p.flush(); n != 2 {
		t.Errorf("flush dropped %d frames, want 2", n)
	}
	if p.len() != 0 {
		t.Errorf("len after flush = %d", p.len())
	}
}

func TestPlayoutPoppedItemInvalidatedByFlush(t *testing.T) {
	p := newPlayout()
	p.push(frameItem())
	item, _ := p.next(context.Background())

	p.flush()
	sent, err := p.deliver(item, func(playoutItem) error {
		t.Error("flushed item must not be sent")
		return nil
	})
	if sent || err != nil {
		t.Errorf("deliver = %v, %v", sent, err)
	}

	p.push(frameItem())
	fresh, _ := p.next(context.Background())
	if sent, _ := p.deliver(fresh, func(playoutItem) error { return nil }); !sent {
		t.Error("item queued after flush should be sent")
	}
}

func TestPlayoutInFlightSendCompletes(t *testing.T) {
	p := newPlayout()
	p.push(frameItem())
	item, _ := p.next(context.Background())

	inSend := make(chan struct{})
	release := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		sent, _ := p.deliver(item, func(playoutItem) error {
			close(inSend)
			<-release
			return nil
		})
		result <- sent
	}()

	<-inSend
	flushed := make(chan struct{})
	go func() {
		p.flush()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("flush waited for the in-flight send")
	}
	close(release)
	if !<-result {
		t.Error("in-flight send should complete")
	}
}

func TestPlayoutNextHonorsContext(t *testing.T) {
	p := newPlayout()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := p.next(ctx); ok {
		t.Error("next on empty queue should stop with ctx")
	}
}
