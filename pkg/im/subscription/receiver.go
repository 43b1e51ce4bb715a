// Package subscription implements the controller-side subscription
// receiver: it dispatches inbound DataReport frames to the listener
// registered for their subscription, including reports that arrive on a
// brand new exchange opened by the peer well after the original
// subscribe exchange has closed.
package subscription

import (
	"bytes"
	"sync"

	"github.com/backkem/matter/pkg/exchange"
	imsg "github.com/backkem/matter/pkg/im/message"
	"github.com/backkem/matter/pkg/message"
	"github.com/backkem/matter/pkg/tlv"
	"github.com/pion/logging"
)

// ProtocolError reports an inbound report that violates the
// subscription wire protocol: no subscription id, or an id this
// receiver has no listener for.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "subscription: protocol error: " + e.Msg
}

// Report is a single decoded DataReport delivered to a subscription
// listener.
type Report struct {
	AttributeReports    []imsg.AttributeReportIB
	EventReports        []imsg.EventReportIB
	MoreChunkedMessages bool
}

// Listener receives reports for one subscription. OnReport is called once
// per DataReport frame (chunks are delivered as received, not
// reassembled, since a long-lived subscription has no natural end to wait
// for the way a bounded read does). OnError is called if the peer closes
// the subscription's transport or sends a StatusResponse that aborts it.
type Listener interface {
	OnReport(report Report)
	OnError(err error)
}

// Receiver is the controller-side exchange.ProtocolHandler for the
// interaction model protocol ID. Register it once per node connection
// (or once globally, keyed by peer session, if this process talks to many
// devices) via exchange.Manager.RegisterProtocol.
type Receiver struct {
	mu            sync.Mutex
	subscriptions map[imsg.SubscriptionID]Listener

	log logging.LeveledLogger
}

// Config configures the Receiver.
type Config struct {
	// LoggerFactory is the factory for creating loggers. If nil, logging
	// is disabled.
	LoggerFactory logging.LoggerFactory
}

// New creates a subscription Receiver.
func New(config Config) *Receiver {
	r := &Receiver{subscriptions: make(map[imsg.SubscriptionID]Listener)}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("subscription")
	}
	return r
}

// Register associates a subscription ID with its listener. Call this
// before the first report for the ID can arrive, i.e. as soon as the
// SubscribeResponse confirms the ID.
func (r *Receiver) Register(id imsg.SubscriptionID, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[id] = l
}

// Unregister removes a subscription, e.g. once the application cancels it
// or the node it targeted is removed.
func (r *Receiver) Unregister(id imsg.SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, id)
}

func (r *Receiver) listenerFor(id imsg.SubscriptionID) (Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.subscriptions[id]
	return l, ok
}

// OnMessage implements exchange.ProtocolHandler for reports that arrive
// on an exchange already associated with this handler (the initial
// subscribe exchange, kept open for as long as the transport allows).
func (r *Receiver) OnMessage(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	return r.dispatch(imsg.Opcode(opcode), payload)
}

// OnUnsolicited implements exchange.ProtocolHandler for reports that
// arrive on a fresh exchange the peer opened unprompted — the normal case
// once the original subscribe exchange has been torn down and the device
// later has new data to report.
func (r *Receiver) OnUnsolicited(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	return r.dispatch(imsg.Opcode(opcode), payload)
}

func (r *Receiver) dispatch(opcode imsg.Opcode, payload []byte) ([]byte, error) {
	if opcode != imsg.OpcodeReportData {
		// Not a report; nothing for the subscription receiver to do.
		// Acknowledge silently so unrelated IM traffic on this protocol ID
		// doesn't stall the exchange.
		return nil, nil
	}

	var report imsg.ReportDataMessage
	if err := decodeReportData(payload, &report); err != nil {
		return nil, err
	}

	if report.SubscriptionID == nil {
		// A priming report on the original exchange is handled directly by
		// the interaction client's subscribe() call, not routed here; any
		// report reaching the shared receiver without a subscription id is
		// a protocol violation.
		resp, encErr := encodeStatusResponse(&imsg.StatusResponseMessage{Status: imsg.StatusInvalidSubscription})
		if encErr != nil {
			return nil, encErr
		}
		return resp, &ProtocolError{Msg: "report has no subscription id"}
	}

	l, ok := r.listenerFor(*report.SubscriptionID)
	if !ok {
		if r.log != nil {
			r.log.Warnf("report for unknown subscription %d", *report.SubscriptionID)
		}
		resp, encErr := encodeStatusResponse(&imsg.StatusResponseMessage{Status: imsg.StatusInvalidSubscription})
		if encErr != nil {
			return nil, encErr
		}
		return resp, &ProtocolError{Msg: "report for unknown subscription"}
	}

	l.OnReport(Report{
		AttributeReports:    report.AttributeReports,
		EventReports:        report.EventReports,
		MoreChunkedMessages: report.MoreChunkedMessages,
	})

	if !report.SuppressResponse {
		status := &imsg.StatusResponseMessage{Status: imsg.StatusSuccess}
		return encodeStatusResponse(status)
	}

	return nil, nil
}

// ProtocolID is the interaction model protocol ID the Receiver registers
// under.
const ProtocolID message.ProtocolID = 0x0001

func decodeReportData(payload []byte, out *imsg.ReportDataMessage) error {
	return out.Decode(tlv.NewReader(bytes.NewReader(payload)))
}

func encodeStatusResponse(msg *imsg.StatusResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.Encode(tlv.NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
