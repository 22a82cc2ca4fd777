// Package sse fans ingestion outcomes out to server-sent-event subscribers.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.io/infrasutra/listrelay/internal/ingest"
)

// AllSites is the topic that receives every outcome.
const AllSites = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a buffered channel on topic. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	topic = normalizeTopic(topic)
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan []byte]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[normalizeTopic(topic)])
}

// Broadcast delivers payload once to each distinct topic. Slow subscribers
// miss events rather than block the publisher.
func (h *Hub) Broadcast(topics []string, payload []byte) {
	unique := map[string]struct{}{}
	for _, topic := range topics {
		if topic = normalizeTopic(topic); topic != "" {
			unique[topic] = struct{}{}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for topic := range unique {
		for ch := range h.subs[topic] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Observe implements ingest.Observer by publishing the outcome to its
// site's topic and to AllSites.
func (h *Hub) Observe(_ context.Context, out ingest.Outcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	h.Broadcast([]string{out.SiteHost, AllSites}, payload)
	return nil
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
