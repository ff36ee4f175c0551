// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/pipewatch/runfeed/internal/metrics"
)

// Delivery is one live event as handed to a subscriber.
type Delivery struct {
	RunID     string       `json:"run_id"`
	Sequence  int64        `json:"seq"`
	Event     domain.Event `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

const subscriberBufferSize = 64

// PublishChannel fans events out to the subscribers registered for a run.
// Each subscriber owns a buffered channel; sends never block, so a slow or
// dead observer drops deliveries instead of stalling the publisher. A
// dropped subscriber resumes via the buffered read cursor.
type PublishChannel struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]chan Delivery
}

func NewPublishChannel(logger *slog.Logger) *PublishChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishChannel{
		logger: logger,
		subs:   make(map[string]map[uuid.UUID]chan Delivery),
	}
}

// Subscribe registers a live observer for the run and returns its id and
// delivery channel. The caller must Unsubscribe when done.
func (p *PublishChannel) Subscribe(runID string) (uuid.UUID, <-chan Delivery) {
	id := uuid.New()
	ch := make(chan Delivery, subscriberBufferSize)

	p.mu.Lock()
	if p.subs[runID] == nil {
		p.subs[runID] = make(map[uuid.UUID]chan Delivery)
	}
	p.subs[runID][id] = ch
	p.mu.Unlock()

	metrics.AddLiveSubscribers(1)
	return id, ch
}

// Unsubscribe removes the observer and closes its channel.
func (p *PublishChannel) Unsubscribe(runID string, id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[runID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(p.subs, runID)
	}
	close(ch)
	metrics.AddLiveSubscribers(-1)
}

// Publish hands the delivery to every subscriber of the run and returns the
// number delivered. Full subscriber channels drop the delivery.
func (p *PublishChannel) Publish(d Delivery) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	delivered := 0
	for id, ch := range p.subs[d.RunID] {
		select {
		case ch <- d:
			delivered++
		default:
			metrics.IncDroppedDeliveries()
			p.logger.Warn("live delivery dropped, subscriber too slow",
				"run_id", d.RunID,
				"subscriber_id", id,
				"seq", d.Sequence,
			)
		}
	}
	return delivered
}

// SubscriberCount reports the number of live observers for a run.
func (p *PublishChannel) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[runID])
}

// Close unsubscribes everything; used at shutdown.
func (p *PublishChannel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for runID, subs := range p.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
			metrics.AddLiveSubscribers(-1)
		}
		delete(p.subs, runID)
	}
}
