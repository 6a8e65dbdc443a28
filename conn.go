package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/broker"
	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/session"
)

// conn represents the server side of a client connection.
type conn struct {
	// server is the server on which the connection arrived. Immutable; never nil.
	server *Server

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection.
	// This is never wrapped by other types and is the value given out to CloseNotifier callers.
	// It is usually of type *net.TCPConn or *tls.Conn.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(). It is not populated synchronously
	// inside the Listener's Accept goroutine, as some implementations block.
	// It is populated immediately inside the (*conn).serve goroutine.
	remoteAddr string

	// tlsState is the TLS connection state when using TLS. nil means not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	// session is the per-client-identity state this connection is
	// currently serving. It outlives a single conn when a non clean-start
	// client reconnects.
	session *session.Session

	version     byte // mqtt version
	keepAlive   time.Duration
	willTopic   string
	willPayload []byte
	willQoS     uint8
	willRetain  bool
	abnormal    bool // set once an I/O or protocol error ends serve(), so will delivery knows not to skip it
	mu          sync.Mutex

	// pendingQoS2 holds inbound QoS 2 messages between PUBLISH and the
	// matching PUBREL, which is when a QoS 2 publish actually fans out
	// [MQTT-4.3.3-2].
	pendingQoS2 struct {
		mu       sync.Mutex
		messages map[uint16]pendingPublish
	}
}

type pendingPublish struct {
	message *packet.Message
	retain  bool
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateHijacked, StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) Write(w []byte) (int, error) {
	if c.rwc == nil {
		return 0, fmt.Errorf("connection is nil or closed")
	}
	return c.rwc.Write(w)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// close the connection.
func (c *conn) close() {
	_ = c.rwc.Close()
}

// deliver is the session.DeliverFunc this connection registers with its
// session: it builds and sends a PUBLISH for a message the broker has
// routed to this client.
func (c *conn) deliver(message *packet.Message, packetID uint16, qos uint8, retain bool) {
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH, QoS: qos},
		PacketID:    packetID,
		Message:     message,
	}
	if retain {
		pub.FixedHeader.Retain = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	if err := pub.Pack(c.rwc); err != nil {
		log.Printf("deliver: clientId=%s, err=%v", c.session.ClientID, err)
	}
}

// serve handles a single network connection: optional TLS handshake, then
// the read/dispatch loop until the client disconnects or an error ends it.
func (c *conn) serve(ctx context.Context) {
	if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	log.Printf("connect connected: remote=%s", c.remoteAddr)

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Printf("mqtt: panic serving %v: %v", c.remoteAddr, err)
			log.Printf("%s", buf)
			c.abnormal = true
		}

		clientID := ""
		if c.session != nil {
			clientID = c.session.ClientID
			c.server.broker.RemoveSession(clientID, c.session)
			c.session.Disconnect()
		}
		log.Printf("connect disconnected: clientId=%s, remote=%s", clientID, c.remoteAddr)

		c.close()
		c.setState(c.rwc, StateClosed, true)

		// The will message is only delivered when the session ends
		// abnormally [MQTT-3.14.4-3]; a graceful DISCONNECT already
		// cleared willTopic/willPayload before we get here.
		if !c.abnormal || c.willTopic == "" {
			return
		}
		msg := &packet.Message{TopicName: c.willTopic, Content: c.willPayload}
		c.server.broker.Retain(msg, c.willQoS)
		if err := c.server.broker.Publish(msg, c.willQoS, c.willRetain); err != nil {
			log.Printf("will publish: err=%v", err)
		}
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsTO := 10 * time.Second
		if tlsTO > 0 {
			dl := time.Now().Add(tlsTO)
			_ = c.rwc.SetReadDeadline(dl)
			_ = c.rwc.SetWriteDeadline(dl)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			var reason string
			if re, ok := err.(tls.RecordHeaderError); ok && re.Conn != nil {
				_, _ = io.WriteString(re.Conn, "HTTP/1.0 400 Bad Request\r\n\r\nClient sent an HTTP request to an HTTPS server.\n")
				_ = re.Conn.Close()
				reason = "client sent an HTTP request to an HTTPS server"
			} else {
				reason = err.Error()
			}
			log.Printf("mqtt: TLS handshake error from %s: %v", c.rwc.RemoteAddr(), reason)
			c.abnormal = true
			return
		}
		if tlsTO > 0 {
			_ = c.rwc.SetReadDeadline(time.Time{})
			_ = c.rwc.SetWriteDeadline(time.Time{})
		}
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		if c.session != nil && c.keepAlive > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2))
		}
		rw, err := c.readRequest(ctx)
		if err != nil {
			if err != io.EOF {
				log.Printf("readRequest: err=%v", err)
				c.abnormal = true
			}
			return
		}
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		c.setState(c.rwc, StateIdle, true)
	}
}

// Read next request from connection.
func (c *conn) readRequest(_ context.Context) (*response, error) {
	w, err := &response{conn: c}, error(nil)
	w.packet, err = packet.Unpack(c.version, c.rwc)
	stat.PacketReceived.Inc()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("makeRequest: version=%d, %s, err=%w", c.version, packet.Kind[w.packet.Kind()], err)
	}
	return w, err
}

type defaultHandler struct{}

func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	var spkt packet.Packet
	c := w.(*response).conn

	if _, isConnect := req.(*packet.CONNECT); !isConnect && c.session == nil {
		// The first packet from a client must be CONNECT [MQTT-3.1.0-1]. The
		// protocol version, and so the wire format of an error CONNACK, isn't
		// known yet, so we just close rather than reply.
		log.Printf("%s: remote=%s", packet.ErrProtocolViolationRequireFirstConnect.Reason, c.remoteAddr)
		panic(ErrAbortHandler)
	}

	switch rpkt := req.(type) {
	case *packet.RESERVED:
		return
	case *packet.CONNECT:
		if c.session != nil {
			// A second CONNECT packet on an already-connected transport is
			// a protocol violation [MQTT-3.1.0-2]; tell the client why and
			// close rather than treat it as the first CONNECT.
			connack := &packet.CONNACK{
				FixedHeader:       &packet.FixedHeader{Version: c.version, Kind: CONNACK},
				ConnectReturnCode: packet.ErrProtocolViolationSecondConnect,
			}
			if err := w.OnSend(connack); err != nil {
				log.Printf("mqtt-onSend: err=%v", err)
			}
			panic(ErrAbortHandler)
		}
		spkt = c.handleConnect(rpkt)
	case *packet.PUBLISH:
		if s := c.handlePublish(rpkt); s != nil {
			spkt = s
		} else {
			return
		}
	case *packet.PUBACK:
		c.session.Puback(rpkt.PacketID)
		return
	case *packet.PUBREC:
		if _, ok := c.session.Pubrec(rpkt.PacketID); !ok {
			// Unknown or already-acknowledged packet id: ignore, no PUBREL.
			return
		}
		spkt = &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1}, PacketID: rpkt.PacketID}
	case *packet.PUBREL:
		c.session.Pubrel(rpkt.PacketID)
		c.pendingQoS2.mu.Lock()
		pending, ok := c.pendingQoS2.messages[rpkt.PacketID]
		delete(c.pendingQoS2.messages, rpkt.PacketID)
		c.pendingQoS2.mu.Unlock()
		if ok {
			if err := c.server.broker.Publish(pending.message, 2, pending.retain); err != nil {
				log.Printf("publish: err=%v", err)
			}
		}
		spkt = &packet.PUBCOMP{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP},
			PacketID:    rpkt.PacketID,
			ReasonCode:  packet.ReasonCode{Code: 0},
		}
	case *packet.PUBCOMP:
		c.session.Pubcomp(rpkt.PacketID)
		return
	case *packet.SUBSCRIBE:
		spkt = c.handleSubscribe(rpkt)
	case *packet.UNSUBSCRIBE:
		spkt = c.handleUnsubscribe(rpkt)
	case *packet.PINGREQ:
		// The server must send a PINGRESP in response to a client's
		// PINGREQ [MQTT-3.12.4-1].
		spkt = &packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}}
	case *packet.DISCONNECT:
		log.Printf("client requested disconnect: clientId=%s, reomte=%s", c.session.ClientID, c.remoteAddr)
		// Discard any unpublished will message associated with this
		// connection on receipt of DISCONNECT [MQTT-3.14.4-3].
		c.willTopic, c.willPayload = "", nil
		panic(ErrAbortHandler)
	case *packet.AUTH:
		return
	default:
		panic(fmt.Sprintf("unknown packet type: %T", rpkt))
	}
	if err := w.OnSend(spkt); err != nil {
		log.Printf("mqtt-onSend: err=%v", err)
	}
}

// handleConnect performs the CONNECT handshake: auth check, clean-start
// session discard, and session resume/create against the broker's session
// directory.
func (c *conn) handleConnect(rpkt *packet.CONNECT) *packet.CONNACK {
	c.version = rpkt.Version
	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK}}

	password, ok := CONFIG.GetAuth(rpkt.Username)
	if !ok || password != rpkt.Password {
		if rpkt.Version == packet.VERSION500 {
			connack.ConnectReturnCode = packet.ErrMalformedUsernameOrPassword
		} else {
			connack.ConnectReturnCode = packet.ErrBadUsernameOrPassword
		}
		return connack
	}

	c.willTopic, c.willPayload = rpkt.WillTopic, rpkt.WillPayload
	if rpkt.ConnectFlags.WillFlag() {
		c.willQoS = rpkt.ConnectFlags.WillQoS()
		c.willRetain = rpkt.ConnectFlags.WillRetain()
	}

	cleanStart := rpkt.ConnectFlags.CleanStart()
	existing, found := c.server.broker.FindSession(rpkt.ClientID)
	switch {
	case cleanStart:
		if found {
			existing.Discard()
		}
		c.session = session.New(rpkt.ClientID, true)
		connack.SessionPresent = 0
	case found:
		c.session = existing
		connack.SessionPresent = 1
	default:
		c.session = session.New(rpkt.ClientID, false)
		connack.SessionPresent = 0
	}
	c.server.broker.InsertSession(rpkt.ClientID, c.session)
	c.session.Connect(c.deliver, func() { _ = c.rwc.Close() })
	c.keepAlive = time.Duration(rpkt.KeepAlive) * time.Second

	log.Printf("client auth ok: clientId=%s, username=%s, reomte=%s, sessionPresent=%d", rpkt.ClientID, rpkt.Username, c.remoteAddr, connack.SessionPresent)
	return connack
}

// handlePublish applies QoS-specific handling for an inbound PUBLISH: QoS 0
// and 1 fan out immediately; QoS 2 is parked in the session's await-PUBREL
// table until the matching PUBREL arrives.
func (c *conn) handlePublish(rpkt *packet.PUBLISH) packet.Packet {
	retain := rpkt.FixedHeader.Retain != 0
	if retain {
		c.server.broker.Retain(rpkt.Message, rpkt.FixedHeader.QoS)
	}
	switch rpkt.FixedHeader.QoS {
	case 0:
		if err := c.server.broker.Publish(rpkt.Message, 0, retain); err != nil {
			log.Printf("publish: err=%v", err)
		}
		return nil
	case 1:
		if err := c.server.broker.Publish(rpkt.Message, 1, retain); err != nil {
			log.Printf("publish: err=%v", err)
		}
		return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK}, PacketID: rpkt.PacketID}
	default: // QoS 2
		c.session.AwaitPubrel(rpkt.PacketID)
		c.pendingQoS2.mu.Lock()
		if c.pendingQoS2.messages == nil {
			c.pendingQoS2.messages = make(map[uint16]pendingPublish)
		}
		c.pendingQoS2.messages[rpkt.PacketID] = pendingPublish{message: rpkt.Message, retain: retain}
		c.pendingQoS2.mu.Unlock()
		return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC}, PacketID: rpkt.PacketID}
	}
}

func (c *conn) handleSubscribe(rpkt *packet.SUBSCRIBE) *packet.SUBACK {
	var reasons []packet.ReasonCode
	var subscribedTopics []string
	var failedTopics []string

	for _, sub := range rpkt.Subscriptions {
		filter := sub.TopicFilter
		grantedQoS := sub.MaximumQoS
		if grantedQoS > 2 {
			grantedQoS = 2
		}

		var err error
		if group, realFilter, shared := broker.ParseShared(filter); shared {
			err = c.server.broker.SharedSubscribe(c.session.ClientID, realFilter, group)
		} else {
			err = c.server.broker.Subscribe(c.session.ClientID, filter)
		}
		if err != nil {
			log.Printf("subscribe: err=%v", err)
			reasons = append(reasons, packet.ErrUnspecifiedError)
			failedTopics = append(failedTopics, filter)
			continue
		}

		isNew := c.session.Subscribe(filter, session.Options{
			MaxQoS:            grantedQoS,
			NoLocal:           sub.NoLocal != 0,
			RetainAsPublished: sub.RetainAsPublished != 0,
			RetainHandling:    sub.RetainHandling,
		})
		reasons = append(reasons, packet.ReasonCode{Code: grantedQoS})
		subscribedTopics = append(subscribedTopics, filter)

		// RetainHandling: 0 always replays retained messages on subscribe,
		// 1 replays only for a subscription that didn't already exist, and
		// 2 never replays [MQTT-3.3.1-9/10/11].
		replay := sub.RetainHandling == 0 || (sub.RetainHandling == 1 && isNew)
		if replay {
			for _, retained := range c.server.broker.MatchRetained(filter) {
				qos := retained.QoS
				if grantedQoS < qos {
					qos = grantedQoS
				}
				if err := c.session.DeliverRetained(retained.Message, qos); err != nil {
					log.Printf("retained deliver: err=%v", err)
				}
			}
		}
	}

	if len(subscribedTopics) > 0 {
		log.Printf("client subscribed: clientId=%s, reomte=%s, topics: %v", c.session.ClientID, c.remoteAddr, subscribedTopics)
	}
	if len(failedTopics) > 0 {
		log.Printf("client subscription failed: clientId=%s, reomte=%s, failed_topics: %v", c.session.ClientID, c.remoteAddr, failedTopics)
	}

	return &packet.SUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: SUBACK}, PacketID: rpkt.PacketID, ReasonCode: reasons}
}

func (c *conn) handleUnsubscribe(rpkt *packet.UNSUBSCRIBE) *packet.UNSUBACK {
	var unsubscribedTopics []string
	for _, sub := range rpkt.Subscriptions {
		filter := sub.TopicFilter
		if group, realFilter, shared := broker.ParseShared(filter); shared {
			c.server.broker.SharedUnsubscribe(c.session.ClientID, realFilter, group)
		} else {
			c.server.broker.Unsubscribe(c.session.ClientID, filter)
		}
		c.session.Unsubscribe(filter)
		unsubscribedTopics = append(unsubscribedTopics, filter)
	}

	if len(unsubscribedTopics) > 0 {
		log.Printf("client unsubscribed: clientId=%s, reomte=%s, topics: %v", c.session.ClientID, c.remoteAddr, unsubscribedTopics)
	}

	return &packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: UNSUBACK}, PacketID: rpkt.PacketID}
}
