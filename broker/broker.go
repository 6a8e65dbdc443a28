// Package broker implements the routing core: the session directory, the
// topic trie, the normal and shared subscription registries, and publish
// fan-out across them.
package broker

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/session"
	"github.com/golang-io/mqttd/topic"
)

// sharedMember is one (client-id, group) pair subscribed to a shared filter.
type sharedMember struct {
	ClientID string
	Group    string
}

// Broker owns the session directory, the topic trie and the subscription
// registries, all behind a single coarse lock covering the routing
// decision; fan-out itself runs outside that lock, one goroutine per
// deliverable session, per spec.md §5's recommended discipline.
type Broker struct {
	mu sync.RWMutex

	sessions map[string]*session.Session

	trie *topic.Trie

	// normal maps a real filter (no "$share/" prefix) to the set of
	// plain-subscriber client ids.
	normal map[string]map[string]struct{}

	// shared maps a real filter to its ordered shared-subscription
	// members, across every group subscribed to that filter.
	shared map[string][]sharedMember

	// retained holds the most recent retained message per exact topic.
	// In-memory only: it does not survive a process restart.
	retained map[string]RetainedMessage
}

// RetainedMessage pairs a retained publish with the QoS it was originally
// published at, so replay to a new subscriber can grant min(retained QoS,
// subscription's maximum) instead of always replaying at QoS 0.
type RetainedMessage struct {
	Message *packet.Message
	QoS     uint8
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		sessions: make(map[string]*session.Session),
		trie:     topic.NewTrie(),
		normal:   make(map[string]map[string]struct{}),
		shared:   make(map[string][]sharedMember),
		retained: make(map[string]RetainedMessage),
	}
}

// InsertSession registers s under clientID, replacing whatever was there.
func (b *Broker) InsertSession(clientID string, s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[clientID] = s
}

// FindSession returns the session registered under clientID, if any.
func (b *Broker) FindSession(clientID string) (*session.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[clientID]
	return s, ok
}

// RemoveSession removes clientID from the directory. Safe to call when
// clientID is not present, or when the registered session is not s (a
// newer session has since taken over the id) — in the latter case it is a
// no-op, so a stale cleanup from a superseded connection cannot evict the
// session that replaced it.
func (b *Broker) RemoveSession(clientID string, s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.sessions[clientID]; ok && current == s {
		delete(b.sessions, clientID)
	}
}

// ParseShared splits a "$share/<group>/<filter>" subscription filter into
// its group name and real filter. ok is false for a normal (non-shared)
// filter.
func ParseShared(filter string) (group, realFilter string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", "", false
	}
	rest := filter[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Subscribe adds clientID to filter's normal-subscriber set, inserting
// filter into the trie first if this is the first subscriber.
func (b *Broker) Subscribe(clientID, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.normal[filter]; !ok {
		if err := b.trie.Insert(filter); err != nil {
			return err
		}
		b.normal[filter] = make(map[string]struct{})
	}
	b.normal[filter][clientID] = struct{}{}
	return nil
}

// Unsubscribe removes clientID from filter's normal-subscriber set. Once
// that set (and filter's shared members) are both empty, filter is removed
// from the trie.
func (b *Broker) Unsubscribe(clientID, filter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.normal[filter]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(b.normal, filter)
	}
	b.pruneIfUnused(filter)
}

// SharedSubscribe adds (clientID, group) to filter's shared members,
// inserting filter into the trie first if this is its first subscriber of
// any kind.
func (b *Broker) SharedSubscribe(clientID, filter, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, hasNormal := b.normal[filter]; !hasNormal {
		if _, hasShared := b.shared[filter]; !hasShared {
			if err := b.trie.Insert(filter); err != nil {
				return err
			}
		}
	}
	for _, m := range b.shared[filter] {
		if m.ClientID == clientID && m.Group == group {
			return nil // already subscribed
		}
	}
	b.shared[filter] = append(b.shared[filter], sharedMember{ClientID: clientID, Group: group})
	return nil
}

// SharedUnsubscribe removes (clientID, group) from filter's shared members.
func (b *Broker) SharedUnsubscribe(clientID, filter, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.shared[filter]
	for i, m := range members {
		if m.ClientID == clientID && m.Group == group {
			b.shared[filter] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(b.shared[filter]) == 0 {
		delete(b.shared, filter)
	}
	b.pruneIfUnused(filter)
}

// pruneIfUnused removes filter from the trie once it has neither normal nor
// shared subscribers left. Callers must hold b.mu.
func (b *Broker) pruneIfUnused(filter string) {
	if len(b.normal[filter]) == 0 && len(b.shared[filter]) == 0 {
		b.trie.Remove(filter)
	}
}

// Publish fans a message out to every matching subscriber: every member of
// the normal set for each matching filter, and one randomly chosen member
// per shared group. Delivery to a client id with no registered session is
// a silent no-op. qos is the publishing message's own QoS; retain is its
// RETAIN flag.
func (b *Broker) Publish(message *packet.Message, qos uint8, retain bool) error {
	targets, sharedPicks := b.fanOutTargets(message.TopicName)

	group, ctx := errgroup.WithContext(context.Background())
	for _, clientID := range targets {
		filter := clientID.filter
		id := clientID.clientID
		group.Go(func() error {
			s, ok := b.FindSession(id)
			if !ok {
				return nil
			}
			return s.Deliver(filter, message, qos, retain)
		})
	}
	for _, pick := range sharedPicks {
		filter, id := pick.filter, pick.clientID
		group.Go(func() error {
			s, ok := b.FindSession(id)
			if !ok {
				return nil
			}
			return s.Deliver(filter, message, qos, retain)
		})
	}
	_ = ctx
	return group.Wait()
}

type filterClient struct {
	filter   string
	clientID string
}

// fanOutTargets resolves matching filters for topic into the concrete list
// of normal-subscriber deliveries and one randomly chosen shared-member
// delivery per (filter, group) pair.
func (b *Broker) fanOutTargets(topicName string) (normal []filterClient, shared []filterClient) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, filter := range b.trie.Match(topicName) {
		for clientID := range b.normal[filter] {
			normal = append(normal, filterClient{filter: filter, clientID: clientID})
		}
		for _, id := range pickOnePerGroup(b.shared[filter]) {
			shared = append(shared, filterClient{filter: filter, clientID: id})
		}
	}
	return normal, shared
}

// pickOnePerGroup groups members by group name and returns one randomly
// chosen client id per group.
func pickOnePerGroup(members []sharedMember) []string {
	if len(members) == 0 {
		return nil
	}
	byGroup := make(map[string][]string)
	var order []string
	for _, m := range members {
		if _, ok := byGroup[m.Group]; !ok {
			order = append(order, m.Group)
		}
		byGroup[m.Group] = append(byGroup[m.Group], m.ClientID)
	}
	picks := make([]string, 0, len(order))
	for _, g := range order {
		candidates := byGroup[g]
		picks = append(picks, candidates[rand.N(len(candidates))])
	}
	return picks
}

// Retain stores message as the retained message for its topic. A
// zero-length payload clears any retained message for that topic, per
// MQTT-3.3.1-10/11.
func (b *Broker) Retain(message *packet.Message, qos uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(message.Content) == 0 {
		delete(b.retained, message.TopicName)
		return
	}
	b.retained[message.TopicName] = RetainedMessage{Message: message, QoS: qos}
}

// MatchRetained returns every retained message whose topic matches filter,
// for immediate replay to a new subscriber.
func (b *Broker) MatchRetained(filter string) []RetainedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matches []RetainedMessage
	for topicName, retained := range b.retained {
		if filterMatchesTopic(b.trie, filter, topicName) {
			matches = append(matches, retained)
		}
	}
	return matches
}

// filterMatchesTopic reports whether topicName matches filter under the same
// wildcard and `$`-prefix rules the trie applies. The retained store must
// check one specific filter against many topics, the inverse of the trie's
// native "one topic against many filters" shape, so it re-derives the match
// with a direct per-level compare instead of building a one-off trie; the
// trie argument is not used.
func filterMatchesTopic(_ *topic.Trie, filter, topicName string) bool {
	filterLevels := splitLevels(filter)
	topicLevels := splitLevels(topicName)
	if strings.HasPrefix(topicLevels[0], "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}
	return matchLevels(filterLevels, topicLevels)
}

func splitLevels(s string) []string {
	return strings.Split(s, "/")
}

func matchLevels(filter, topicLevels []string) bool {
	for i, level := range filter {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filter) == len(topicLevels)
}
