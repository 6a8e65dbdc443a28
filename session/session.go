// Package session implements per-client session state: subscriptions,
// packet-identifier allocation, and the in-flight tables tracking QoS 1/2
// handshakes in both directions.
package session

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang-io/mqttd/packet"
)

// Options mirrors a client's per-filter subscription options (the SUBSCRIBE
// options octet).
type Options struct {
	MaxQoS            uint8
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    uint8
}

// DeliverFunc is invoked by the session when a message has been assigned a
// packet identifier (or none, for QoS 0) and is ready to go out over the
// owning connection.
type DeliverFunc func(message *packet.Message, packetID uint16, qos uint8, retain bool)

// DisconnectFunc tears down the owning connection's transport.
type DisconnectFunc func()

// Session holds the state of one client identity across however many
// transport connections it has owned over its lifetime (a resumed, non
// clean-start session keeps its subscriptions and in-flight tables across
// reconnects).
type Session struct {
	mu sync.Mutex

	ClientID   string
	CleanStart bool
	connected  bool

	nextPacketID uint16 // next candidate; 0 is reserved, so this starts at 1

	// outbound holds messages sent to this client that are awaiting
	// PUBACK (QoS 1) or PUBREC (QoS 2), keyed by the packet identifier
	// this session allocated for them.
	outbound map[uint16]*packet.Message

	// awaitPubrel holds packet identifiers of QoS 2 messages this client
	// published to us, for which we've sent PUBREC and are waiting for
	// the matching PUBREL before we may PUBCOMP and deliver to
	// subscribers.
	awaitPubrel map[uint16]struct{}

	subscriptions map[string]Options

	onDeliver    DeliverFunc
	onDisconnect DisconnectFunc
}

// New creates a session for clientID. cleanStart records whether the
// CONNECT that created it asked for a clean session; it does not itself
// discard any prior session — callers resolve that via the broker before
// calling New.
func New(clientID string, cleanStart bool) *Session {
	return &Session{
		ClientID:      clientID,
		CleanStart:    cleanStart,
		nextPacketID:  1,
		outbound:      make(map[uint16]*packet.Message),
		awaitPubrel:   make(map[uint16]struct{}),
		subscriptions: make(map[string]Options),
	}
}

// Connect marks the session connected and registers the callbacks the
// owning connection uses for outbound delivery and forced teardown.
func (s *Session) Connect(onDeliver DeliverFunc, onDisconnect DisconnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.onDeliver = onDeliver
	s.onDisconnect = onDisconnect
}

// Connected reports whether a transport currently owns this session.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Discard forces the transport currently owning this session to close, via
// its registered disconnect callback. Used when a clean-start CONNECT or a
// takeover arrives for the same client identifier.
func (s *Session) Discard() {
	s.Disconnect()
}

// Disconnect marks the session no longer connected and invokes the
// disconnect callback, if one is registered. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cb := s.onDisconnect
	s.connected = false
	s.onDisconnect = nil
	s.onDeliver = nil
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Subscribe records filter's options locally, returning true if filter
// wasn't already subscribed (as opposed to a resubscription that just
// updates options) — callers use this to implement RetainHandling 1,
// which only replays retained messages for a brand-new subscription.
// The broker-level trie/registry insertion is the caller's responsibility
// (see broker.Broker.Subscribe).
func (s *Session) Subscribe(filter string, opts Options) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.subscriptions[filter]
	s.subscriptions[filter] = opts
	return !existed
}

// Unsubscribe removes filter's locally stored options.
func (s *Session) Unsubscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// options returns the subscription options this session stored for filter.
func (s *Session) options(filter string) (Options, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts, ok := s.subscriptions[filter]
	return opts, ok
}

// nextID advances the packet-identifier allocator, wrapping from 65535 to 1
// and skipping any id still outstanding in the outbound in-flight table.
// Callers must hold s.mu.
func (s *Session) nextID() uint16 {
	for {
		id := s.nextPacketID
		if s.nextPacketID == 65535 {
			s.nextPacketID = 1
		} else {
			s.nextPacketID++
		}
		if _, inFlight := s.outbound[id]; !inFlight {
			return id
		}
	}
}

// AwaitPubrel records that packetID (a QoS 2 PUBLISH received from this
// client) has been PUBREC'd and is awaiting the client's PUBREL.
func (s *Session) AwaitPubrel(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitPubrel[packetID] = struct{}{}
}

// Pubrel clears packetID from the await-PUBREL set. A PUBREL for an id this
// session never recorded (reconnect after an in-flight drop, a duplicate
// retransmission) is a silent no-op, never a panic or error — the MQTT5
// spec allows re-delivery of a PUBREL the far end has already processed.
func (s *Session) Pubrel(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.awaitPubrel, packetID)
}

// Puback completes an outbound QoS 1 delivery, freeing packetID for reuse.
func (s *Session) Puback(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, packetID)
}

// Pubrec acknowledges the first leg of an outbound QoS 2 delivery. The
// packet identifier stays reserved in the outbound table until the matching
// PUBCOMP; the connection layer replies with PUBREL.
func (s *Session) Pubrec(packetID uint16) (*packet.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outbound[packetID]
	return msg, ok
}

// Pubcomp completes an outbound QoS 2 delivery, freeing packetID for reuse.
func (s *Session) Pubcomp(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, packetID)
}

// Deliver is invoked by the broker during publish fan-out. It looks up the
// subscription options this session stored for filter, computes the
// effective QoS as min(message's QoS, the subscription's maximum), and — if
// that QoS is greater than zero — allocates a packet identifier and records
// the message as outbound in-flight before invoking the delivery callback.
// A filter this session no longer subscribes to (unsubscribed mid-fan-out)
// is silently dropped.
func (s *Session) Deliver(filter string, message *packet.Message, qos uint8, retain bool) error {
	opts, ok := s.options(filter)
	if !ok {
		return nil
	}

	effectiveQoS := qos
	if opts.MaxQoS < effectiveQoS {
		effectiveQoS = opts.MaxQoS
	}

	s.mu.Lock()
	var packetID uint16
	if effectiveQoS > 0 {
		packetID = s.nextID()
		s.outbound[packetID] = message
	}
	deliver := s.onDeliver
	s.mu.Unlock()

	if deliver == nil {
		return errors.Newf("session %s: deliver called while disconnected", s.ClientID)
	}
	deliver(message, packetID, effectiveQoS, retain && opts.RetainAsPublished)
	return nil
}

// DeliverRetained replays a retained message to a client as part of
// handling its SUBSCRIBE, at qos (already capped to the subscription's
// granted maximum by the caller). The RETAIN flag on the outbound PUBLISH
// is always set, unlike Deliver, since a server must mark retained replay
// as retained regardless of the subscription's Retain As Published option
// [MQTT-3.3.1-8].
func (s *Session) DeliverRetained(message *packet.Message, qos uint8) error {
	s.mu.Lock()
	var packetID uint16
	if qos > 0 {
		packetID = s.nextID()
		s.outbound[packetID] = message
	}
	deliver := s.onDeliver
	s.mu.Unlock()

	if deliver == nil {
		return errors.Newf("session %s: deliver called while disconnected", s.ClientID)
	}
	deliver(message, packetID, qos, true)
	return nil
}
