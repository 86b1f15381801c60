package mqttserver

import (
	"strings"
	"sync"
)

// Topic wildcards.
const (
	singleLevel = "+"
	multiLevel  = "#"
	separator   = "/"
)

// validFilter reports whether f is a well-formed subscription filter.
func validFilter(f string) bool {
	if f == "" {
		return false
	}
	levels := strings.Split(f, separator)
	for i, level := range levels {
		if strings.Contains(level, multiLevel) && (level != multiLevel || i != len(levels)-1) {
			return false
		}
		if strings.Contains(level, singleLevel) && level != singleLevel {
			return false
		}
	}
	return true
}

// validTopic reports whether t may be published to.
func validTopic(t string) bool {
	return t != "" && !strings.ContainsAny(t, singleLevel+multiLevel)
}

// match reports whether topic matches filter.
// Topics starting with '$' are not matched by a leading wildcard.
func match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}

	fl := strings.Split(filter, separator)
	tl := strings.Split(topic, separator)

	for i, level := range fl {
		if level == multiLevel {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != singleLevel && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// delivery is one session that should receive a message, at the highest QoS
// among its matching filters.
type delivery struct {
	sess *session
	qos  byte
}

// subscriptions maps sessions to their filters.
type subscriptions struct {
	mu        sync.RWMutex
	bySession map[*session]map[string]byte
}

func newSubscriptions() *subscriptions {
	return &subscriptions{bySession: make(map[*session]map[string]byte)}
}

func (t *subscriptions) add(s *session, filter string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	filters, ok := t.bySession[s]
	if !ok {
		filters = make(map[string]byte)
		t.bySession[s] = filters
	}
	filters[filter] = qos
}

func (t *subscriptions) remove(s *session, filter string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if filters, ok := t.bySession[s]; ok {
		delete(filters, filter)
	}
}

// drop forgets every filter held by s.
func (t *subscriptions) drop(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySession, s)
}

func (t *subscriptions) match(topic string) []delivery {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []delivery
	for s, filters := range t.bySession {
		best := -1
		for f, qos := range filters {
			if match(f, topic) && int(qos) > best {
				best = int(qos)
			}
		}
		if best >= 0 {
			out = append(out, delivery{sess: s, qos: byte(best)})
		}
	}
	return out
}

func (t *subscriptions) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, filters := range t.bySession {
		n += len(filters)
	}
	return n
}
