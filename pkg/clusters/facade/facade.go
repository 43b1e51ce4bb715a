// Package facade provides reflection-free, generically typed bindings
// over pkg/im.InteractionClient, so a cluster package can expose
// Get/Set/Subscribe/Invoke calls typed in the cluster's own Go values
// instead of callers hand-encoding/decoding TLV at every call site.
//
// Each cluster package is expected to declare its own
// AttributeDescriptor/CommandDescriptor values (see pkg/clusters/onoff
// for an example) alongside its existing attribute/command ID constants;
// this package supplies only the generic plumbing.
package facade

import (
	"bytes"
	"context"
	"errors"

	"github.com/backkem/matter/pkg/im"
	imsg "github.com/backkem/matter/pkg/im/message"
	"github.com/backkem/matter/pkg/im/subscription"
	"github.com/backkem/matter/pkg/session"
	"github.com/backkem/matter/pkg/tlv"
	"github.com/backkem/matter/pkg/transport"
)

// ErrNoResponseData is returned when a command descriptor declared a
// response decoder but the peer's InvokeResponse carried a bare status
// instead of command data.
var ErrNoResponseData = errors.New("facade: invoke response carried no data")

// Client is *im.InteractionClient, named here for readability at the
// generic functions' call sites.
type Client = *im.InteractionClient

// AttributeDescriptor binds one attribute path to TLV codecs for a Go
// type T, so cluster packages can expose Get/Set/Subscribe calls typed
// in T instead of raw attribute paths and []byte.
type AttributeDescriptor[T any] struct {
	Endpoint  imsg.EndpointID
	Cluster   imsg.ClusterID
	Attribute imsg.AttributeID

	Encode func(w *tlv.Writer, v T) error
	Decode func(r *tlv.Reader) (T, error)
}

func (d AttributeDescriptor[T]) path() imsg.AttributePathIB {
	ep, cl, at := d.Endpoint, d.Cluster, d.Attribute
	return imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl, Attribute: &at}
}

// Get reads the attribute and decodes it as T.
func Get[T any](ctx context.Context, c Client, sess *session.SecureContext, peerAddr transport.PeerAddress, d AttributeDescriptor[T]) (T, error) {
	var zero T

	reports, err := c.GetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{d.path()})
	if err != nil {
		return zero, err
	}

	for i := range reports {
		data := reports[i].AttributeData
		if data == nil {
			continue
		}
		r := tlv.NewReader(bytes.NewReader(data.Data))
		if err := r.Next(); err != nil {
			return zero, err
		}
		return d.Decode(r)
	}

	if len(reports) > 0 && reports[0].AttributeStatus != nil {
		status := reports[0].AttributeStatus
		return zero, im.NewStatusResponseError(&status.Path, status.Status.Status)
	}
	return zero, im.NewProtocolError("attribute not present in response")
}

// Set writes value to the attribute.
func Set[T any](ctx context.Context, c Client, sess *session.SecureContext, peerAddr transport.PeerAddress, d AttributeDescriptor[T], value T) error {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := d.Encode(w, value); err != nil {
		return err
	}

	failed, err := c.SetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributeDataIB{
		{Path: d.path(), Data: buf.Bytes()},
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return im.NewStatusResponseError(&failed[0].Path, failed[0].Status.Status)
	}
	return nil
}

// Subscribe subscribes to the attribute, invoking onUpdate with the
// decoded value each time a report arrives. Decode errors are dropped;
// onUpdate is simply not called for a malformed report, since one bad
// report shouldn't take down an otherwise healthy subscription.
func Subscribe[T any](
	ctx context.Context,
	c Client,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	d AttributeDescriptor[T],
	minIntervalFloor, maxIntervalCeiling uint16,
	onUpdate func(T),
	onError func(error),
) (*im.Subscription, error) {
	listener := &attributeListener[T]{decode: d.Decode, onUpdate: onUpdate, onError: onError}
	return c.Subscribe(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Attribute, minIntervalFloor, maxIntervalCeiling, listener)
}

type attributeListener[T any] struct {
	decode   func(r *tlv.Reader) (T, error)
	onUpdate func(T)
	onError  func(error)
}

func (l *attributeListener[T]) OnReport(report subscription.Report) {
	for i := range report.AttributeReports {
		data := report.AttributeReports[i].AttributeData
		if data == nil {
			continue
		}
		r := tlv.NewReader(bytes.NewReader(data.Data))
		if err := r.Next(); err != nil {
			continue
		}
		v, err := l.decode(r)
		if err != nil {
			continue
		}
		l.onUpdate(v)
	}
}

func (l *attributeListener[T]) OnError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// CommandDescriptor binds a command path with no meaningful response
// data (the common case: most cluster commands reply with a bare
// success/failure status) to a TLV encoder for its request fields.
type CommandDescriptor[Req any] struct {
	Endpoint imsg.EndpointID
	Cluster  imsg.ClusterID
	Command  imsg.CommandID

	EncodeReq func(w *tlv.Writer, req Req) error

	// Optional marks a command for which the peer may legitimately
	// return neither a status nor response data (e.g. a command aimed
	// at an optional cluster feature). When false, that outcome is a
	// protocol violation.
	Optional bool
}

// Invoke sends the command and returns nil once the peer acknowledges
// success, or an error describing the failure status otherwise.
func Invoke[Req any](ctx context.Context, c Client, sess *session.SecureContext, peerAddr transport.PeerAddress, d CommandDescriptor[Req], req Req) error {
	fields, err := encodeFields(d.EncodeReq, req)
	if err != nil {
		return err
	}

	resp, err := c.Invoke(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Command, fields, false)
	if err != nil {
		return err
	}
	return checkCommandResult(resp, d.Optional)
}

// CommandWithResponseDescriptor is CommandDescriptor plus a decoder for
// commands that reply with typed data (e.g. ArmFailSafeResponse).
type CommandWithResponseDescriptor[Req any, Resp any] struct {
	Endpoint imsg.EndpointID
	Cluster  imsg.ClusterID
	Command  imsg.CommandID

	EncodeReq  func(w *tlv.Writer, req Req) error
	DecodeResp func(data []byte) (Resp, error)

	// Optional marks a command whose response data may legitimately be
	// absent; InvokeWithResponse then returns the zero Resp instead of
	// failing. When false, a missing response is a protocol violation.
	Optional bool
}

// InvokeWithResponse sends the command and decodes the peer's response
// data as Resp.
func InvokeWithResponse[Req any, Resp any](ctx context.Context, c Client, sess *session.SecureContext, peerAddr transport.PeerAddress, d CommandWithResponseDescriptor[Req, Resp], req Req) (Resp, error) {
	var zero Resp

	fields, err := encodeFields(d.EncodeReq, req)
	if err != nil {
		return zero, err
	}

	resp, err := c.Invoke(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Command, fields, false)
	if err != nil {
		return zero, err
	}
	if err := checkCommandResult(resp, d.Optional); err != nil {
		return zero, err
	}

	if resp == nil || len(resp.InvokeResponses) == 0 || resp.InvokeResponses[0].Command == nil {
		if d.Optional {
			return zero, nil
		}
		return zero, ErrNoResponseData
	}
	return d.DecodeResp(resp.InvokeResponses[0].Command.Fields)
}

func encodeFields[Req any](encode func(w *tlv.Writer, req Req) error, req Req) ([]byte, error) {
	if encode == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := encode(w, req); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkCommandResult implements the invoke decision tree: a bare
// success status (or no response at all, which the transport collapses
// to a nil resp) is success; a non-success status fails with that
// status; and a response that carries neither a status nor command
// data is a protocol violation unless the descriptor marked the
// command optional.
func checkCommandResult(resp *imsg.InvokeResponseMessage, optional bool) error {
	if resp == nil || len(resp.InvokeResponses) == 0 {
		// A bare success status carries no InvokeResponses at all; this
		// is the "result present, Success, NoResponse" case, not a
		// missing response.
		return nil
	}
	ir := resp.InvokeResponses[0]
	if ir.Status != nil {
		if ir.Status.Status.Status != imsg.StatusSuccess {
			return im.NewInvokeError(ir.Status.Status.Status)
		}
		return nil
	}
	if ir.Command != nil {
		return nil
	}
	if optional {
		return nil
	}
	return im.NewProtocolError("no response nor result")
}
