package im

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/matter/pkg/exchange"
	imsg "github.com/backkem/matter/pkg/im/message"
	"github.com/backkem/matter/pkg/im/subscription"
	"github.com/backkem/matter/pkg/messenger"
	"github.com/backkem/matter/pkg/session"
	"github.com/backkem/matter/pkg/tlv"
	"github.com/backkem/matter/pkg/transport"
)

// tlvCodec is satisfied by every IM message type; it lets the helpers
// below encode/decode without a type switch per message.
type tlvEncoder interface {
	Encode(w *tlv.Writer) error
}

type tlvDecoder interface {
	Decode(r *tlv.Reader) error
}

func encodeTLV(m tlvEncoder) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(tlv.NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTLV(data []byte, m tlvDecoder) error {
	return m.Decode(tlv.NewReader(bytes.NewReader(data)))
}

// Controller errors.
var ErrAttributeNotCached = errors.New("im: attribute not in local cache")

// AttributeValue is a cached attribute value, keyed by its path.
type AttributeValue struct {
	DataVersion imsg.DataVersion
	Data        []byte
}

type cacheKey struct {
	Endpoint  imsg.EndpointID
	Cluster   imsg.ClusterID
	Attribute imsg.AttributeID
}

// InteractionClient extends Client with the stateful controller-side
// behaviors a node controller needs beyond a bare request/response: a
// local attribute cache, chunked-read reassembly, and subscriptions whose
// reports keep arriving long after the subscribing exchange is gone.
//
// get() always serves from the cache; it is getAllAttributes/
// getMultipleAttributes (an explicit read) and subscribe's reports that
// populate it. set() never touches the cache — a write does not imply
// the new value was accepted or read back.
type InteractionClient struct {
	exchangeManager *exchange.Manager
	subs            *subscription.Receiver
	timeout         time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]AttributeValue
}

// InteractionClientConfig configures an InteractionClient.
type InteractionClientConfig struct {
	// ExchangeManager handles message exchanges. Required.
	ExchangeManager *exchange.Manager

	// Subscriptions routes reports that arrive on exchanges opened after
	// the original subscribe exchange has closed. If nil, a Receiver is
	// created and the caller is responsible for registering it with the
	// exchange manager under subscription.ProtocolID before any report
	// can arrive on a new exchange.
	Subscriptions *subscription.Receiver

	// Timeout bounds each request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

// NewInteractionClient creates an InteractionClient.
func NewInteractionClient(config InteractionClientConfig) *InteractionClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	subs := config.Subscriptions
	if subs == nil {
		subs = subscription.New(subscription.Config{})
	}

	return &InteractionClient{
		exchangeManager: config.ExchangeManager,
		subs:            subs,
		timeout:         timeout,
		cache:           make(map[cacheKey]AttributeValue),
	}
}

func (c *InteractionClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *InteractionClient) populateCache(reports []imsg.AttributeReportIB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range reports {
		data := reports[i].AttributeData
		if data == nil {
			continue
		}
		p := data.Path
		if p.Endpoint == nil || p.Cluster == nil || p.Attribute == nil {
			continue
		}
		key := cacheKey{Endpoint: *p.Endpoint, Cluster: *p.Cluster, Attribute: *p.Attribute}
		c.cache[key] = AttributeValue{DataVersion: data.DataVersion, Data: data.Data}
	}
}

// Get returns the cached value for an attribute path, populated by a
// prior GetAllAttributes/GetMultipleAttributes read or by an active
// subscription's reports. On a cache miss it falls through to a single
// live GetMultipleAttributes read, which repopulates the cache.
func (c *InteractionClient) Get(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, endpoint imsg.EndpointID, cluster imsg.ClusterID, attribute imsg.AttributeID) (AttributeValue, error) {
	key := cacheKey{Endpoint: endpoint, Cluster: cluster, Attribute: attribute}

	c.mu.RLock()
	v, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	ep, cl, at := endpoint, cluster, attribute
	path := imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl, Attribute: &at}
	reports, err := c.GetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{path})
	if err != nil {
		return AttributeValue{}, err
	}
	if len(reports) != 1 {
		return AttributeValue{}, NewProtocolError("unexpected report count for single attribute read")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok = c.cache[key]
	if !ok {
		return AttributeValue{}, ErrAttributeNotCached
	}
	return v, nil
}

// readChunks opens a Messenger for a ReadRequestMessage and returns the
// assembled attribute reports from one or more chunked ReportData
// messages, acking each chunk as the protocol requires.
func (c *InteractionClient) readChunks(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, req *imsg.ReadRequestMessage) ([]imsg.AttributeReportIB, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := EncodeReadRequest(req)
	if err != nil {
		return nil, err
	}

	m, err := messenger.Open(c.exchangeManager, sess, sess.LocalSessionID(), peerAddr, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := m.Send(uint8(imsg.OpcodeReadRequest), payload, true); err != nil {
		return nil, err
	}

	var reports []imsg.AttributeReportIB
	for {
		msg, err := m.Next(ctx)
		if err != nil {
			return nil, err
		}

		switch imsg.Opcode(msg.Opcode) {
		case imsg.OpcodeReportData:
			report, err := DecodeReportData(msg.Payload)
			if err != nil {
				return nil, err
			}
			reports = append(reports, report.AttributeReports...)

			if !report.SuppressResponse {
				ack, err := EncodeStatusResponse(imsg.StatusSuccess)
				if err != nil {
					return nil, err
				}
				if err := m.Send(uint8(imsg.OpcodeStatusResponse), ack, true); err != nil {
					return nil, err
				}
			}

			if !report.MoreChunkedMessages {
				return reports, nil
			}

		case imsg.OpcodeStatusResponse:
			status, err := DecodeStatusResponse(msg.Payload)
			if err != nil {
				return nil, err
			}
			if status.Status != imsg.StatusSuccess {
				return nil, NewStatusResponseError(nil, status.Status)
			}
			return reports, nil

		default:
			return nil, ErrUnexpectedResponse
		}
	}
}

// GetMultipleAttributes reads the given attribute paths, reassembling
// any chunked response, and refreshes the local cache with the result.
func (c *InteractionClient) GetMultipleAttributes(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, paths []imsg.AttributePathIB) ([]imsg.AttributeReportIB, error) {
	req := &imsg.ReadRequestMessage{
		AttributeRequests: paths,
		FabricFiltered:    true,
	}

	reports, err := c.readChunks(ctx, sess, peerAddr, req)
	if err != nil {
		return nil, err
	}
	c.populateCache(reports)
	return reports, nil
}

// GetAllAttributes reads every attribute on endpoint (or on every
// endpoint, if endpoint is nil) via a wildcard attribute path.
func (c *InteractionClient) GetAllAttributes(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, endpoint *imsg.EndpointID) ([]imsg.AttributeReportIB, error) {
	path := imsg.AttributePathIB{}
	if endpoint != nil {
		path.Endpoint = endpoint
	}
	return c.GetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{path})
}

// SetMultipleAttributes writes the given attribute values. The returned
// slice contains only the non-success statuses the peer reported, per
// the write response's convention that a path absent from the response
// succeeded; the cache is left untouched, since a write does not prove
// the new value was accepted or what it was coerced to.
func (c *InteractionClient) SetMultipleAttributes(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, writes []imsg.AttributeDataIB) ([]imsg.AttributeStatusIB, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.WriteRequestMessage{WriteRequests: writes}

	payload, err := encodeTLV(req)
	if err != nil {
		return nil, err
	}

	m, err := messenger.Open(c.exchangeManager, sess, sess.LocalSessionID(), peerAddr, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := m.Send(uint8(imsg.OpcodeWriteRequest), payload, true); err != nil {
		return nil, err
	}

	msg, err := m.Next(ctx)
	if err != nil {
		return nil, err
	}

	switch imsg.Opcode(msg.Opcode) {
	case imsg.OpcodeWriteResponse:
		var resp imsg.WriteResponseMessage
		if err := decodeTLV(msg.Payload, &resp); err != nil {
			return nil, err
		}
		var failed []imsg.AttributeStatusIB
		for _, s := range resp.WriteResponses {
			if s.Status.Status != imsg.StatusSuccess {
				failed = append(failed, s)
			}
		}
		return failed, nil

	case imsg.OpcodeStatusResponse:
		status, err := DecodeStatusResponse(msg.Payload)
		if err != nil {
			return nil, err
		}
		if status.Status != imsg.StatusSuccess {
			return nil, NewStatusResponseError(nil, status.Status)
		}
		return nil, nil

	default:
		return nil, ErrUnexpectedResponse
	}
}

// Set writes a single attribute value.
func (c *InteractionClient) Set(ctx context.Context, sess *session.SecureContext, peerAddr transport.PeerAddress, endpoint imsg.EndpointID, cluster imsg.ClusterID, attribute imsg.AttributeID, data []byte) error {
	ep, cl, at := endpoint, cluster, attribute
	failed, err := c.SetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributeDataIB{
		{
			Path: imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl, Attribute: &at},
			Data: data,
		},
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return NewStatusResponseError(&failed[0].Path, failed[0].Status.Status)
	}
	return nil
}

// Subscription is a live subscription's handle, returned by
// SubscribeMultipleAttributes.
type Subscription struct {
	ID          imsg.SubscriptionID
	MaxInterval uint16

	client *InteractionClient
}

// Cancel stops routing further reports for this subscription and
// unregisters it from the shared subscription.Receiver. It does not
// notify the peer; the peer ages out the subscription once reports go
// unacknowledged past its MaxInterval.
func (s *Subscription) Cancel() {
	s.client.subs.Unregister(s.ID)
}

// SubscribeMultipleAttributes establishes a subscription to the given
// attribute paths. It blocks until the priming report(s) and the
// SubscribeResponse have been received, caching every primed value, then
// continues delivering later reports to listener for as long as the
// subscribing exchange or a fresh exchange from the peer keeps arriving.
func (c *InteractionClient) SubscribeMultipleAttributes(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	paths []imsg.AttributePathIB,
	minIntervalFloor, maxIntervalCeiling uint16,
	listener subscription.Listener,
) (*Subscription, error) {
	establishCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloor:   minIntervalFloor,
		MaxIntervalCeiling: maxIntervalCeiling,
		AttributeRequests:  paths,
		FabricFiltered:     true,
		KeepSubscriptions:  true,
	}

	payload, err := encodeTLV(req)
	if err != nil {
		return nil, err
	}

	m, err := messenger.Open(c.exchangeManager, sess, sess.LocalSessionID(), peerAddr, ProtocolID)
	if err != nil {
		return nil, err
	}

	if err := m.Send(uint8(imsg.OpcodeSubscribeRequest), payload, true); err != nil {
		m.Close()
		return nil, err
	}

	var sub *Subscription
	for sub == nil {
		msg, err := m.Next(establishCtx)
		if err != nil {
			m.Close()
			return nil, err
		}

		switch imsg.Opcode(msg.Opcode) {
		case imsg.OpcodeReportData:
			var report imsg.ReportDataMessage
			if err := decodeTLV(msg.Payload, &report); err != nil {
				m.Close()
				return nil, err
			}
			c.populateCache(report.AttributeReports)
			listener.OnReport(subscription.Report{
				AttributeReports:    report.AttributeReports,
				EventReports:        report.EventReports,
				MoreChunkedMessages: report.MoreChunkedMessages,
			})

			if !report.SuppressResponse {
				ack, err := EncodeStatusResponse(imsg.StatusSuccess)
				if err != nil {
					m.Close()
					return nil, err
				}
				if err := m.Send(uint8(imsg.OpcodeStatusResponse), ack, true); err != nil {
					m.Close()
					return nil, err
				}
			}

		case imsg.OpcodeSubscribeResponse:
			var resp imsg.SubscribeResponseMessage
			if err := decodeTLV(msg.Payload, &resp); err != nil {
				m.Close()
				return nil, err
			}
			sub = &Subscription{ID: resp.SubscriptionID, MaxInterval: resp.MaxInterval, client: c}

		case imsg.OpcodeStatusResponse:
			status, err := DecodeStatusResponse(msg.Payload)
			m.Close()
			if err != nil {
				return nil, err
			}
			return nil, NewStatusResponseError(nil, status.Status)

		default:
			m.Close()
			return nil, ErrUnexpectedResponse
		}
	}

	c.subs.Register(sub.ID, listener)
	go c.pumpSubscription(m, sub.ID, listener)

	return sub, nil
}

// Subscribe establishes a subscription to a single attribute path. The
// priming report is required to carry exactly one entry with a defined
// value; a peer priming with zero entries, more than one entry, or an
// undefined value fails establishment with a ProtocolError.
func (c *InteractionClient) Subscribe(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	attribute imsg.AttributeID,
	minIntervalFloor, maxIntervalCeiling uint16,
	listener subscription.Listener,
) (*Subscription, error) {
	ep, cl, at := endpoint, cluster, attribute
	path := imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl, Attribute: &at}

	primed := &primingValidator{Listener: listener}
	sub, err := c.SubscribeMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{path}, minIntervalFloor, maxIntervalCeiling, primed)
	if err != nil {
		return nil, err
	}
	if primed.err != nil {
		sub.Cancel()
		return nil, primed.err
	}
	return sub, nil
}

// primingValidator wraps a single-attribute subscription's listener to
// check its first report, the priming report, against the single-path
// subscribe contract before forwarding it on.
type primingValidator struct {
	subscription.Listener

	primed bool
	err    error
}

func (p *primingValidator) OnReport(report subscription.Report) {
	if !p.primed {
		p.primed = true
		switch {
		case len(report.AttributeReports) == 0:
			p.err = NewProtocolError("empty priming report for single attribute subscription")
		case len(report.AttributeReports) > 1:
			p.err = NewProtocolError("priming report carried more than one entry for single attribute subscription")
		case report.AttributeReports[0].AttributeData == nil:
			p.err = NewProtocolError("priming report carried an undefined value")
		}
	}
	p.Listener.OnReport(report)
}

// pumpSubscription forwards reports arriving on the original subscribe
// exchange for as long as it stays open. Once the peer closes it (or a
// later report arrives on a brand new exchange instead), delivery
// continues through the shared subscription.Receiver; this goroutine's
// job ends here.
func (c *InteractionClient) pumpSubscription(m *messenger.Messenger, id imsg.SubscriptionID, listener subscription.Listener) {
	defer m.Close()
	for {
		msg, err := m.Next(context.Background())
		if err != nil {
			listener.OnError(err)
			return
		}

		if imsg.Opcode(msg.Opcode) != imsg.OpcodeReportData {
			continue
		}

		var report imsg.ReportDataMessage
		if err := decodeTLV(msg.Payload, &report); err != nil {
			listener.OnError(err)
			return
		}

		c.populateCache(report.AttributeReports)
		listener.OnReport(subscription.Report{
			AttributeReports:    report.AttributeReports,
			EventReports:        report.EventReports,
			MoreChunkedMessages: report.MoreChunkedMessages,
		})

		if !report.SuppressResponse {
			ack, err := EncodeStatusResponse(imsg.StatusSuccess)
			if err != nil {
				listener.OnError(err)
				return
			}
			if err := m.Send(uint8(imsg.OpcodeStatusResponse), ack, true); err != nil {
				listener.OnError(err)
				return
			}
		}
	}
}

// Invoke sends a command and waits for its response, unless
// suppressResponse is set: Matter permits a command to request no
// response at all, in which case the peer never replies and there is
// nothing to wait for.
func (c *InteractionClient) Invoke(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	command imsg.CommandID,
	fields []byte,
	suppressResponse bool,
) (*imsg.InvokeResponseMessage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.InvokeRequestMessage{
		SuppressResponse: suppressResponse,
		InvokeRequests: []imsg.CommandDataIB{
			{
				Path:   imsg.CommandPathIB{Endpoint: endpoint, Cluster: cluster, Command: command},
				Fields: fields,
			},
		},
	}

	payload, err := EncodeInvokeRequest(req)
	if err != nil {
		return nil, err
	}

	m, err := messenger.Open(c.exchangeManager, sess, sess.LocalSessionID(), peerAddr, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := m.Send(uint8(imsg.OpcodeInvokeRequest), payload, true); err != nil {
		return nil, err
	}

	if suppressResponse {
		return nil, nil
	}

	msg, err := m.Next(ctx)
	if err != nil {
		return nil, err
	}

	switch imsg.Opcode(msg.Opcode) {
	case imsg.OpcodeInvokeResponse:
		return DecodeInvokeResponse(msg.Payload)
	case imsg.OpcodeStatusResponse:
		status, err := DecodeStatusResponse(msg.Payload)
		if err != nil {
			return nil, err
		}
		return nil, NewInvokeError(status.Status)
	default:
		return nil, ErrUnexpectedResponse
	}
}
