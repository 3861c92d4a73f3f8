// Package model carries server identity and the application-supplied
// policy hooks a connection state machine invokes on its owning worker.
package model

import "github.com/eshenhu/doipgwd/internal/doip"

// Context is the narrow read-only facet a hook sees of the connection
// that invoked it: enough to log or correlate without reaching into FSM
// internals.
type Context interface {
	ClientAddress() doip.Address
	ServerAddress() doip.Address
	Identifier() string
}

// DownstreamStatus is the outcome of dispatching a diagnostic message to
// the downstream handler.
type DownstreamStatus int

const (
	DownstreamHandled DownstreamStatus = iota
	DownstreamPending
	DownstreamError
)

// Respond is supplied to OnDownstreamRequest; the handler calls it exactly
// once, later, when a Pending dispatch produces its payload or fails.
type Respond func(status DownstreamStatus, payload []byte)

// Identity holds server-wide values set by the external collaborator
// before Setup and treated as immutable afterward.
type Identity struct {
	VIN               doip.VIN
	LogicalAddress    doip.Address
	EID               doip.EID
	GID               doip.GID
	FurtherAction     byte
	AnnounceCount     int
	AnnounceInterval  int // milliseconds
}

// Model bundles server Identity with five optional policy hooks. A nil
// hook takes its documented default.
type Model struct {
	Identity Identity

	// OnOpen fires once the connection has entered its initial state.
	OnOpen func(ctx Context)

	// OnClose fires when the state machine reaches Closed.
	OnClose func(ctx Context, reason string)

	// OnDiagnosticMessage is invoked once per received diagnostic message
	// before downstream dispatch. Returning (code, true) signals a negative
	// ack with that code; (_, false) means positive-ack intent.
	OnDiagnosticMessage func(ctx Context, msg doip.Message) (nackCode doip.DiagnosticNack, negative bool)

	// OnDiagnosticAckSent is informational.
	OnDiagnosticAckSent func(ctx Context, ack doip.Message)

	// OnDownstreamRequest dispatches a positively-acked diagnostic message
	// downstream. If it returns DownstreamPending, respond must later be
	// called exactly once.
	OnDownstreamRequest func(ctx Context, msg doip.Message, respond Respond) DownstreamStatus

	// DownstreamHandler, when true and OnDownstreamRequest is set,
	// indicates the model delegates diagnostic payloads downstream rather
	// than silently acking them.
	DownstreamHandler bool
}

// HasDownstreamHandler reports whether diagnostic payloads should be
// dispatched downstream. When false, any diagnostic message is positively
// acknowledged and silently consumed.
func (m *Model) HasDownstreamHandler() bool {
	return m.DownstreamHandler && m.OnDownstreamRequest != nil
}

func (m *Model) fireOpen(ctx Context) {
	if m.OnOpen != nil {
		m.OnOpen(ctx)
	}
}

func (m *Model) fireClose(ctx Context, reason string) {
	if m.OnClose != nil {
		m.OnClose(ctx, reason)
	}
}

// FireOpen invokes OnOpen if set.
func (m *Model) FireOpen(ctx Context) { m.fireOpen(ctx) }

// FireClose invokes OnClose if set.
func (m *Model) FireClose(ctx Context, reason string) { m.fireClose(ctx, reason) }

// FireDiagnosticMessage invokes OnDiagnosticMessage if set, defaulting to
// positive-ack intent when absent.
func (m *Model) FireDiagnosticMessage(ctx Context, msg doip.Message) (doip.DiagnosticNack, bool) {
	if m.OnDiagnosticMessage == nil {
		return 0, false
	}
	return m.OnDiagnosticMessage(ctx, msg)
}

// FireDiagnosticAckSent invokes OnDiagnosticAckSent if set.
func (m *Model) FireDiagnosticAckSent(ctx Context, ack doip.Message) {
	if m.OnDiagnosticAckSent != nil {
		m.OnDiagnosticAckSent(ctx, ack)
	}
}

// FireDownstreamRequest invokes OnDownstreamRequest. Callers must check
// HasDownstreamHandler first.
func (m *Model) FireDownstreamRequest(ctx Context, msg doip.Message, respond Respond) DownstreamStatus {
	return m.OnDownstreamRequest(ctx, msg, respond)
}
