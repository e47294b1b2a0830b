package cachestore

import "sync"

// Subscriber is whatever a protocol front-end hands the store to deliver
// a published message back to one connection, framed for that
// connection's current protocol mode (spec §4.7 "Pub/sub": "writes the
// message to every subscriber using the connection's current protocol
// framing").
type Subscriber interface {
	Deliver(channel string, payload []byte)
}

// subIndex is the channel-name -> subscriber-set map of spec §3.
type subIndex struct {
	mu   sync.Mutex
	subs map[string]map[uint64]Subscriber
}

func newSubIndex() *subIndex {
	return &subIndex{subs: make(map[string]map[uint64]Subscriber)}
}

func (si *subIndex) subscribe(channel string, connID uint64, sub Subscriber) {
	si.mu.Lock()
	defer si.mu.Unlock()

	set, ok := si.subs[channel]
	if !ok {
		set = make(map[uint64]Subscriber)
		si.subs[channel] = set
	}
	set[connID] = sub
}

func (si *subIndex) unsubscribe(channel string, connID uint64) {
	si.mu.Lock()
	defer si.mu.Unlock()

	set, ok := si.subs[channel]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(si.subs, channel)
	}
}

// unsubscribeAll removes connID from every channel (spec §4.7: "Disconnect
// removes the connection from every channel").
func (si *subIndex) unsubscribeAll(connID uint64) {
	si.mu.Lock()
	defer si.mu.Unlock()

	for ch, set := range si.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(si.subs, ch)
		}
	}
}

func (si *subIndex) publish(channel string, payload []byte) int {
	si.mu.Lock()
	targets := make([]Subscriber, 0, len(si.subs[channel]))
	for _, sub := range si.subs[channel] {
		targets = append(targets, sub)
	}
	si.mu.Unlock()

	for _, sub := range targets {
		sub.Deliver(channel, payload)
	}
	return len(targets)
}

// Subscribe registers connID on channel (spec §4.7 admin "subscribe").
func (s *Store) Subscribe(channel string, connID uint64, sub Subscriber) {
	s.subs.subscribe(channel, connID, sub)
}

func (s *Store) Unsubscribe(channel string, connID uint64) {
	s.subs.unsubscribe(channel, connID)
}

// UnsubscribeAll is called on connection teardown.
func (s *Store) UnsubscribeAll(connID uint64) {
	s.subs.unsubscribeAll(connID)
}

// Publish delivers payload to every subscriber of channel, returning the
// subscriber count it reached.
func (s *Store) Publish(channel string, payload []byte) int {
	return s.subs.publish(channel, payload)
}
