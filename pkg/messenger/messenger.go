// Package messenger provides a typed send/read wrapper over a Matter
// exchange, generalizing the buffered-channel request/response idiom used
// throughout the secure channel and interaction model clients.
package messenger

import (
	"context"
	"errors"
	"sync"

	"github.com/backkem/matter/pkg/exchange"
	"github.com/backkem/matter/pkg/message"
	"github.com/backkem/matter/pkg/session"
	"github.com/backkem/matter/pkg/transport"
)

// Errors returned by Messenger.
var (
	ErrClosed       = errors.New("messenger: closed")
	ErrReadTimeout  = errors.New("messenger: read timed out")
	ErrNotInitiator = errors.New("messenger: exchange is not ours to send on")
)

// Message pairs an opcode with its payload, mirroring the wire shape of a
// single protocol message on an exchange.
type Message struct {
	Opcode  uint8
	Payload []byte
}

// Messenger wraps an *exchange.ExchangeContext with a blocking Next() read
// primitive, so callers can write request/response protocol logic (PASE,
// CASE, interaction model reads/writes/invokes) as straight-line code
// instead of hand-rolling an exchange.ExchangeDelegate per call site.
//
// A Messenger owns the exchange's delegate slot: it installs itself as the
// delegate and fans inbound messages into a single buffered channel. Only
// one reader may call Next() at a time.
type Messenger struct {
	exch *exchange.ExchangeContext

	inbox chan result

	mu     sync.Mutex
	closed bool
}

type result struct {
	msg Message
	err error
}

// New creates a Messenger around an exchange this node has already
// initiated via exchange.Manager.NewExchange. It replaces any delegate
// currently installed on the exchange.
func New(exch *exchange.ExchangeContext) *Messenger {
	m := &Messenger{
		exch:  exch,
		inbox: make(chan result, 1),
	}
	exch.SetDelegate(m)
	return m
}

// Open creates a new exchange as initiator and wraps it in a Messenger.
func Open(
	mgr *exchange.Manager,
	sess exchange.SessionContext,
	localSessionID uint16,
	peerAddr transport.PeerAddress,
	protocolID message.ProtocolID,
) (*Messenger, error) {
	m := &Messenger{inbox: make(chan result, 1)}

	exch, err := mgr.NewExchange(sess, localSessionID, peerAddr, protocolID, m)
	if err != nil {
		return nil, err
	}
	m.exch = exch
	return m, nil
}

// Exchange returns the underlying exchange context.
func (m *Messenger) Exchange() *exchange.ExchangeContext {
	return m.exch
}

// Session returns the secure session the underlying exchange is using.
func (m *Messenger) Session() exchange.SessionContext {
	return m.exch.Session()
}

// Send writes a message on the wrapped exchange.
func (m *Messenger) Send(opcode uint8, payload []byte, reliable bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	return m.exch.SendMessage(opcode, payload, reliable)
}

// Next blocks until the next inbound message arrives on the exchange, the
// exchange is closed by the peer, or ctx is done.
func (m *Messenger) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ErrReadTimeout
	case r := <-m.inbox:
		return r.msg, r.err
	}
}

// Close closes the underlying exchange. Safe to call more than once.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.exch.Close()
}

// OnMessage implements exchange.ExchangeDelegate.
func (m *Messenger) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	m.push(result{msg: Message{Opcode: header.ProtocolOpcode, Payload: payload}})
	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (m *Messenger) OnClose(ctx *exchange.ExchangeContext) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.push(result{err: ErrClosed})
}

// push delivers a result to whichever goroutine is blocked in Next(),
// dropping it if the inbox is full (a caller that isn't reading yet will
// see the exchange as stalled and can retry/time out via its own ctx).
func (m *Messenger) push(r result) {
	select {
	case m.inbox <- r:
	default:
	}
}

// SecureSessionOf asserts that sess is a secure session, returning nil if
// it is only an unsecured PASE/CASE establishment context.
func SecureSessionOf(sess exchange.SessionContext) *session.SecureContext {
	if sc, ok := sess.(*session.SecureContext); ok {
		return sc
	}
	return nil
}
