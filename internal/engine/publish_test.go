// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

func delivery(runID string, seq int64) Delivery {
	return Delivery{
		RunID:     runID,
		Sequence:  seq,
		Event:     domain.Event{"type": "agent:start"},
		Timestamp: time.Now(),
	}
}

func TestPublishReachesAllRunSubscribers(t *testing.T) {
	p := NewPublishChannel(discardLogger())

	id1, ch1 := p.Subscribe("run-1")
	id2, ch2 := p.Subscribe("run-1")
	id3, ch3 := p.Subscribe("run-2")
	defer p.Unsubscribe("run-1", id1)
	defer p.Unsubscribe("run-1", id2)
	defer p.Unsubscribe("run-2", id3)

	if got := p.Publish(delivery("run-1", 1)); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}

	for _, ch := range []<-chan Delivery{ch1, ch2} {
		select {
		case d := <-ch:
			if d.Sequence != 1 {
				t.Fatalf("expected seq 1, got %d", d.Sequence)
			}
		default:
			t.Fatal("expected delivery in channel")
		}
	}

	select {
	case <-ch3:
		t.Fatal("run-2 subscriber must not receive run-1 events")
	default:
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	p := NewPublishChannel(discardLogger())
	if got := p.Publish(delivery("run-1", 1)); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	p := NewPublishChannel(discardLogger())

	id, ch := p.Subscribe("run-1")
	defer p.Unsubscribe("run-1", id)

	// Never read: fill the channel past its buffer.
	for i := 0; i < subscriberBufferSize+10; i++ {
		p.Publish(delivery("run-1", int64(i+1)))
	}

	// Publisher did not block; the buffered prefix is intact and in order.
	if len(ch) != subscriberBufferSize {
		t.Fatalf("expected full channel of %d, got %d", subscriberBufferSize, len(ch))
	}
	first := <-ch
	if first.Sequence != 1 {
		t.Fatalf("expected oldest delivery first, got seq %d", first.Sequence)
	}
}

func TestUnsubscribeClosesChannelAndForgetsRun(t *testing.T) {
	p := NewPublishChannel(discardLogger())

	id, ch := p.Subscribe("run-1")
	p.Unsubscribe("run-1", id)

	if _, open := <-ch; open {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if got := p.SubscriberCount("run-1"); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}

	// Double unsubscribe is harmless.
	p.Unsubscribe("run-1", id)
}

func TestCloseDropsEverySubscriber(t *testing.T) {
	p := NewPublishChannel(discardLogger())

	_, ch1 := p.Subscribe("run-1")
	_, ch2 := p.Subscribe("run-2")

	p.Close()

	if _, open := <-ch1; open {
		t.Fatal("expected ch1 closed")
	}
	if _, open := <-ch2; open {
		t.Fatal("expected ch2 closed")
	}
	if p.SubscriberCount("run-1") != 0 || p.SubscriberCount("run-2") != 0 {
		t.Fatal("expected all subscribers removed")
	}
}
