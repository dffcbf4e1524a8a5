// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package events

import (
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/uuid"
)

var mon = monkit.Package()

// Listener receives events for the groups it joined. Its channel is
// buffered; a listener that falls behind has events dropped rather than
// blocking publishers.
type Listener struct {
	events chan Event

	mu      sync.Mutex
	dropped int
}

// Events returns the listener's event channel. The channel is closed
// when the publisher shuts down or the listener is removed.
func (l *Listener) Events() <-chan Event { return l.events }

// Dropped returns how many events were discarded because the listener
// fell behind.
func (l *Listener) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Listener) send(event Event) {
	select {
	case l.events <- event:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		mon.Counter("events_dropped").Inc(1)
	}
}

// Publisher fans events out to per-subscription listener groups and a
// global group. Events for a given subscription are delivered in
// publish order.
//
// architecture: Service
type Publisher struct {
	log        *zap.Logger
	bufferSize int

	mu     sync.Mutex
	groups map[uuid.UUID]map[*Listener]struct{}
	global map[*Listener]struct{}
	closed bool
}

// NewPublisher creates a realtime event publisher.
func NewPublisher(log *zap.Logger) *Publisher {
	return &Publisher{
		log:        log,
		bufferSize: 64,
		groups:     map[uuid.UUID]map[*Listener]struct{}{},
		global:     map[*Listener]struct{}{},
	}
}

// Join adds a listener to a subscription's group.
func (p *Publisher) Join(subscriptionID uuid.UUID) *Listener {
	listener := &Listener{events: make(chan Event, p.bufferSize)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(listener.events)
		return listener
	}
	group, ok := p.groups[subscriptionID]
	if !ok {
		group = map[*Listener]struct{}{}
		p.groups[subscriptionID] = group
	}
	group[listener] = struct{}{}
	return listener
}

// JoinAll adds a listener to the global group, which observes every
// event.
func (p *Publisher) JoinAll() *Listener {
	listener := &Listener{events: make(chan Event, p.bufferSize)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(listener.events)
		return listener
	}
	p.global[listener] = struct{}{}
	return listener
}

// Leave removes a listener from every group and closes its channel.
func (p *Publisher) Leave(listener *Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := false
	if _, ok := p.global[listener]; ok {
		delete(p.global, listener)
		removed = true
	}
	for id, group := range p.groups {
		if _, ok := group[listener]; ok {
			delete(group, listener)
			removed = true
		}
		if len(group) == 0 {
			delete(p.groups, id)
		}
	}
	if removed && !p.closed {
		close(listener.events)
	}
}

// Publish delivers an event to the subscription's group and the global
// group.
func (p *Publisher) Publish(subscriptionID uuid.UUID, name string, payload interface{}) {
	event := Event{
		Name:           name,
		SubscriptionID: subscriptionID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for listener := range p.groups[subscriptionID] {
		listener.send(event)
	}
	for listener := range p.global {
		listener.send(event)
	}
}

// PublishAll delivers an event not tied to a single subscription to
// every listener.
func (p *Publisher) PublishAll(name string, payload interface{}) {
	event := Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	seen := map[*Listener]struct{}{}
	for _, group := range p.groups {
		for listener := range group {
			if _, ok := seen[listener]; ok {
				continue
			}
			seen[listener] = struct{}{}
			listener.send(event)
		}
	}
	for listener := range p.global {
		if _, ok := seen[listener]; ok {
			continue
		}
		listener.send(event)
	}
}

// Close shuts down the publisher and closes all listener channels.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	closed := map[*Listener]struct{}{}
	for _, group := range p.groups {
		for listener := range group {
			if _, ok := closed[listener]; ok {
				continue
			}
			closed[listener] = struct{}{}
			close(listener.events)
		}
	}
	for listener := range p.global {
		if _, ok := closed[listener]; ok {
			continue
		}
		close(listener.events)
	}
	p.groups = map[uuid.UUID]map[*Listener]struct{}{}
	p.global = map[*Listener]struct{}{}
	return nil
}
