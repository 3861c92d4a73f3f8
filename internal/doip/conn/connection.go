// Package conn implements the per-connection DoIP protocol state machine:
// message handling, timer discipline, routing activation, alive-check,
// and downstream forwarding.
package conn

import (
	"errors"
	"sync"
	"time"

	"github.com/eshenhu/doipgwd/internal/doip"
	"github.com/eshenhu/doipgwd/internal/doip/downstream"
	"github.com/eshenhu/doipgwd/internal/doip/model"
	"github.com/eshenhu/doipgwd/internal/doip/timer"
	"github.com/eshenhu/doipgwd/internal/doip/transport"
)

// TimerKey identifies one connection's timer of a given role inside the
// shared Manager. The Manager instance is shared across every connection
// a Server Core owns, so cancellation and arming must be scoped to
// (ConnID, Role) rather than wiping the whole Manager on every
// transition: a single shared Manager serving many concurrent
// connections cannot stop-all on every state entry without stomping on
// other connections' timers.
type TimerKey struct {
	ConnID string
	Role   TimerRole
}

// Config tunes the per-connection timer durations and retry behavior.
// Zero-value fields fall back to their documented defaults.
type Config struct {
	InitialInactivity   time.Duration
	GeneralInactivity   time.Duration
	AliveCheckTimeout   time.Duration
	DownstreamResponse  time.Duration
	AliveCheckRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.InitialInactivity == 0 {
		c.InitialInactivity = DefaultInitialInactivity
	}
	if c.GeneralInactivity == 0 {
		c.GeneralInactivity = DefaultGeneralInactivity
	}
	if c.AliveCheckTimeout == 0 {
		c.AliveCheckTimeout = DefaultAliveCheck
	}
	if c.DownstreamResponse == 0 {
		c.DownstreamResponse = DefaultDownstreamResponse
	}
	return c
}

func (c Config) durationForRole(role TimerRole) time.Duration {
	switch role {
	case TimerRoleInitialInactivity:
		return c.InitialInactivity
	case TimerRoleGeneralInactivity:
		return c.GeneralInactivity
	case TimerRoleAliveCheck:
		return c.AliveCheckTimeout
	case TimerRoleDownstreamResponse:
		return c.DownstreamResponse
	default:
		return 0
	}
}

// Info is the narrow read-only facet of a connection exposed to external
// collaborators (a connection registry, logging) without reaching into
// FSM internals.
type Info interface {
	ClientAddress() doip.Address
	ServerAddress() doip.Address
	Identifier() string
	IsOpen() bool
	CloseReason() transport.CloseReason
}

// Connection is the concrete state-machine type, parameterized over a
// ConnectionTransport capability and a Server Model capability (spec
// design note: the base/derived C++ split has no behavioral content
// beyond dependency injection, so this collapses to one type).
type Connection struct {
	id     string
	tr     transport.ConnectionTransport
	timers *timer.Manager[TimerKey]
	model  *model.Model
	logger doip.Logger
	cfg    Config

	serverAddress doip.Address

	mu                sync.Mutex
	state             State
	epoch             int
	clientAddress     doip.Address
	aliveCheckRetries int
	pendingSource     doip.Address // client address of the diagnostic message awaiting a downstream response
	closed            bool
	closeReason       transport.CloseReason
}

// New constructs a Connection in SocketInitialized. Callers must call
// Open to fire on_open and enter WaitRoutingActivation, then drive Run in
// its own goroutine.
func New(id string, tr transport.ConnectionTransport, timers *timer.Manager[TimerKey], mdl *model.Model, serverAddress doip.Address, cfg Config, logger doip.Logger) *Connection {
	if logger == nil {
		logger = doip.NopLogger{}
	}
	return &Connection{
		id:            id,
		tr:            tr,
		timers:        timers,
		model:         mdl,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		serverAddress: serverAddress,
		state:         StateSocketInitialized,
	}
}

func (c *Connection) ClientAddress() doip.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientAddress
}

func (c *Connection) ServerAddress() doip.Address { return c.serverAddress }

func (c *Connection) Identifier() string { return c.id }

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Connection) CloseReason() transport.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open fires on_open and transitions into WaitRoutingActivation, arming
// the InitialInactivity timer.
func (c *Connection) Open() {
	if c.model != nil {
		c.fireOpenSafe()
	}
	c.mu.Lock()
	c.transitionTo(StateWaitRoutingActivation)
	c.mu.Unlock()
}

// Run drives the receive loop: it blocks on the transport until a
// message arrives or the peer closes, feeding every message to the state
// machine, until the connection reaches Closed. Run returns once the
// transport reports Closed, i.e. when the worker should exit.
func (c *Connection) Run() {
	for {
		msg, err := c.tr.ReceiveMessage()
		if err != nil {
			c.mu.Lock()
			if code, ok := headerFramingNackCode(err); ok {
				c.send(doip.NewGenericHeaderNack(code))
				c.closeConnectionLocked(transport.CloseReasonInvalidMessage)
			} else {
				c.closeConnectionLocked(transport.CloseReasonSocketError)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.handleMessageLocked(msg)
		done := c.state == StateClosed
		c.mu.Unlock()
		if done {
			return
		}
	}
}

// headerFramingNackCode maps a doip.ParseHeader error to the Generic
// Header Negative Acknowledge code it warrants, or reports ok=false when
// err is not a recognized framing error (e.g. the peer simply closed the
// socket), in which case the caller should treat it as a plain socket
// error instead.
func headerFramingNackCode(err error) (byte, bool) {
	switch {
	case errors.Is(err, doip.ErrInvalidProtocolVersion):
		return doip.HeaderNackIncorrectPattern, true
	case errors.Is(err, doip.ErrUnknownPayloadType):
		return doip.HeaderNackUnknownPayloadType, true
	case errors.Is(err, doip.ErrPayloadLengthExceedsMax):
		return doip.HeaderNackMessageTooLarge, true
	default:
		return 0, false
	}
}

// recoverHookPanic recovers a panic escaping a Server Model hook or a
// downstream Callback and logs it, so a misbehaving callback degrades to
// a logged error on this connection rather than crashing the process.
func (c *Connection) recoverHookPanic(site string) {
	if r := recover(); r != nil {
		c.logger.Errorf("conn %s: recovered panic in %s: %v", c.id, site, r)
	}
}

func (c *Connection) fireOpenSafe() {
	defer c.recoverHookPanic("OnOpen")
	c.model.FireOpen(c)
}

func (c *Connection) fireCloseSafe(reason string) {
	defer c.recoverHookPanic("OnClose")
	c.model.FireClose(c, reason)
}

// fireDiagnosticMessageSafe invokes OnDiagnosticMessage, recovering to the
// positive-ack default (0, false) if the hook panics.
func (c *Connection) fireDiagnosticMessageSafe(msg doip.Message) (code doip.DiagnosticNack, negative bool) {
	defer c.recoverHookPanic("OnDiagnosticMessage")
	return c.model.FireDiagnosticMessage(c, msg)
}

func (c *Connection) fireDiagnosticAckSentSafe(ack doip.Message) {
	defer c.recoverHookPanic("OnDiagnosticAckSent")
	c.model.FireDiagnosticAckSent(c, ack)
}

// fireDownstreamRequestSafe invokes OnDownstreamRequest, recovering to
// DownstreamError if the hook panics before or without calling respond.
func (c *Connection) fireDownstreamRequestSafe(msg doip.Message, respond model.Respond) (status model.DownstreamStatus) {
	status = model.DownstreamError
	defer c.recoverHookPanic("OnDownstreamRequest")
	return c.model.FireDownstreamRequest(c, msg, respond)
}

// send serializes and writes msg, logging but not closing the connection
// on write failure beyond what the transport itself does (the transport
// marks itself inactive and Close is idempotent).
func (c *Connection) send(msg doip.Message) {
	if _, err := c.tr.SendMessage(msg); err != nil {
		c.logger.Debugf("conn %s: send failed: %v", c.id, err)
	}
}

// transitionTo moves the state machine to next, cancelling the old
// state's timer and arming the new one, and running the new state's
// on-enter action. Must be called with c.mu held.
func (c *Connection) transitionTo(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.cancelTimerForState(prev)
	c.state = next
	c.epoch++

	switch next {
	case StateRoutingActivated:
		c.aliveCheckRetries = 0
	case StateWaitAliveCheckResponse:
		c.aliveCheckRetries = 0
	}

	c.armTimerForState(next)
}

func (c *Connection) cancelTimerForState(s State) {
	d := descriptors[s]
	if d.role == TimerRoleNone {
		return
	}
	c.timers.CancelTimer(TimerKey{ConnID: c.id, Role: d.role})
}

func (c *Connection) armTimerForState(s State) {
	d := descriptors[s]
	if d.role == TimerRoleNone {
		return
	}
	duration := c.cfg.durationForRole(d.role)
	if duration <= 0 {
		c.transitionTo(d.fallback)
		return
	}
	epoch := c.epoch
	key := TimerKey{ConnID: c.id, Role: d.role}
	c.timers.AddTimer(key, duration, func(TimerKey) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.closed {
			return
		}
		c.handleTimeoutLocked(d.role)
	}, false)
}

// handleTimeoutLocked dispatches an expired timer role. Must be called
// with c.mu held.
func (c *Connection) handleTimeoutLocked(role TimerRole) {
	switch role {
	case TimerRoleInitialInactivity:
		c.closeConnectionLocked(transport.CloseReasonInitialInactivityTimeout)
	case TimerRoleGeneralInactivity:
		c.send(doip.NewAliveCheckRequest())
		c.transitionTo(StateWaitAliveCheckResponse)
	case TimerRoleAliveCheck:
		// retry in place: the connection is already in
		// WaitAliveCheckResponse, so re-arm its timer directly rather than
		// going through transitionTo (which no-ops on a same-state target).
		if c.aliveCheckRetries < c.cfg.AliveCheckRetryLimit {
			c.aliveCheckRetries++
			c.send(doip.NewAliveCheckRequest())
			c.armTimerForState(StateWaitAliveCheckResponse)
		} else {
			c.closeConnectionLocked(transport.CloseReasonAliveCheckTimeout)
		}
	case TimerRoleDownstreamResponse:
		c.send(doip.NewDiagnosticNegativeAck(c.pendingSource, c.serverAddress, doip.DiagnosticNackTargetUnreachable))
		c.transitionTo(StateRoutingActivated)
	}
}

// handleMessageLocked dispatches an inbound message by current state.
// Must be called with c.mu held.
func (c *Connection) handleMessageLocked(msg doip.Message) {
	switch c.state {
	case StateWaitRoutingActivation:
		c.handleWaitRoutingActivation(msg)
	case StateRoutingActivated:
		c.handleRoutingActivated(msg)
	case StateWaitAliveCheckResponse:
		c.handleWaitAliveCheckResponse(msg)
	case StateWaitDownstreamResponse:
		// Tester traffic during this window is a protocol error; only the
		// downstream callback (HandleDownstreamResponse) may leave this
		// state.
		c.send(doip.NewDiagnosticNegativeAck(c.pendingSource, c.serverAddress, doip.DiagnosticNackTransportProtoError))
	default:
		// SocketInitialized/Finalize/Closed: no-op message handler.
	}
}

func (c *Connection) handleWaitRoutingActivation(msg doip.Message) {
	if msg.Type == doip.RoutingActivationRequest {
		if src, ok := msg.SourceAddress(); ok && doip.IsTesterAddress(src) {
			c.clientAddress = src
			c.send(doip.NewRoutingActivationResponse(src, c.serverAddress, doip.RoutingActivationActivated))
			c.transitionTo(StateRoutingActivated)
			return
		}
	}
	c.send(doip.NewGenericHeaderNack(doip.HeaderNackIncorrectPattern))
	c.closeConnectionLocked(transport.CloseReasonInvalidMessage)
}

func (c *Connection) handleRoutingActivated(msg doip.Message) {
	switch msg.Type {
	case doip.DiagnosticMessage:
		c.handleDiagnosticMessage(msg)
	case doip.AliveCheckResponse:
		c.timers.RestartTimer(TimerKey{ConnID: c.id, Role: TimerRoleGeneralInactivity})
	default:
		c.send(doip.NewDiagnosticNegativeAck(doip.AddressUnset, c.serverAddress, doip.DiagnosticNackTransportProtoError))
	}
}

// handleDiagnosticMessage dispatches one Diagnostic Message. It releases
// c.mu around every call into the Server Model so a hook calling back
// into the connection (in particular a synchronous Respond call from
// OnDownstreamRequest) cannot deadlock against this same goroutine; the
// epoch is re-checked after each re-lock to detect a close or timeout
// that happened while unlocked.
func (c *Connection) handleDiagnosticMessage(msg doip.Message) {
	src, srcOK := msg.SourceAddress()
	if !srcOK || src != c.clientAddress {
		c.send(doip.NewDiagnosticNegativeAck(src, c.serverAddress, doip.DiagnosticNackInvalidSourceAddress))
		return
	}

	epoch := c.epoch
	var negativeCode doip.DiagnosticNack
	var negative bool
	if c.model != nil {
		c.mu.Unlock()
		negativeCode, negative = c.fireDiagnosticMessageSafe(msg)
		c.mu.Lock()
		if c.closed || c.epoch != epoch {
			return
		}
	}

	var ack doip.Message
	if negative {
		ack = doip.NewDiagnosticNegativeAck(src, c.serverAddress, negativeCode)
	} else {
		ack = doip.NewDiagnosticPositiveAck(src, c.serverAddress)
	}
	c.send(ack)

	if c.model != nil {
		c.mu.Unlock()
		c.fireDiagnosticAckSentSafe(ack)
		c.mu.Lock()
		if c.closed || c.epoch != epoch {
			return
		}
	}

	c.timers.RestartTimer(TimerKey{ConnID: c.id, Role: TimerRoleGeneralInactivity})

	if negative {
		return
	}

	if c.model == nil || !c.model.HasDownstreamHandler() {
		return
	}

	c.pendingSource = src
	// respondEpoch and answered are guarded by c.mu: Respond uses the epoch
	// current when it is called, and an answer delivered before
	// OnDownstreamRequest returns keeps WaitDownstreamResponse from being entered.
	respondEpoch, answered := epoch, false
	respond := func(status model.DownstreamStatus, payload []byte) {
		c.mu.Lock()
		e := respondEpoch
		answered = true
		c.mu.Unlock()
		c.makeRespond(src, e)(status, payload)
	}

	c.mu.Unlock()
	status := c.fireDownstreamRequestSafe(msg, respond)
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		return
	}

	switch status {
	case model.DownstreamPending:
		if !answered {
			c.transitionTo(StateWaitDownstreamResponse)
			respondEpoch = c.epoch
		}
	case model.DownstreamError:
		c.send(doip.NewDiagnosticNegativeAck(src, c.serverAddress, doip.DiagnosticNackTargetUnreachable))
	case model.DownstreamHandled:
		// remain in RoutingActivated; a synchronous Respond call, if any,
		// already sent the follow-up message.
	}
}

// makeRespond builds the Respond callback handed to OnDownstreamRequest.
// It may be invoked synchronously (before OnDownstreamRequest returns) or
// later from any goroutine.
func (c *Connection) makeRespond(source doip.Address, epoch int) model.Respond {
	return func(status model.DownstreamStatus, payload []byte) {
		defer c.recoverHookPanic("downstream callback")
		c.HandleDownstreamResponse(epoch, source, downstreamStatusFromModel(status), payload)
	}
}

func downstreamStatusFromModel(s model.DownstreamStatus) downstream.Status {
	switch s {
	case model.DownstreamHandled:
		return downstream.StatusHandled
	case model.DownstreamPending:
		return downstream.StatusPending
	default:
		return downstream.StatusError
	}
}

// HandleDownstreamResponse delivers a downstream provider's result. It is
// safe to call from any goroutine, including synchronously from within
// OnDownstreamRequest before it returns (the synchronous case arrives
// while still in RoutingActivated; the asynchronous case arrives in
// WaitDownstreamResponse). epoch guards against a stale callback arriving
// after the connection has moved on, e.g. the DownstreamResponse timer
// already fired and sent its own negative ack.
func (c *Connection) HandleDownstreamResponse(epoch int, source doip.Address, status downstream.Status, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.epoch != epoch {
		return
	}

	if status == downstream.StatusHandled {
		c.send(doip.NewDiagnosticMessage(source, c.serverAddress, payload))
	} else {
		c.send(doip.NewDiagnosticNegativeAck(source, c.serverAddress, doip.DiagnosticNackTargetUnreachable))
	}
	if c.state == StateWaitDownstreamResponse {
		c.transitionTo(StateRoutingActivated)
	}
}

func (c *Connection) handleWaitAliveCheckResponse(msg doip.Message) {
	switch msg.Type {
	case doip.AliveCheckResponse, doip.DiagnosticMessage:
		c.transitionTo(StateRoutingActivated)
	default:
		c.send(doip.NewDiagnosticNegativeAck(doip.AddressUnset, c.serverAddress, doip.DiagnosticNackTransportProtoError))
	}
}

// Close requests the connection close with reason. Idempotent: only the
// first call takes effect.
func (c *Connection) Close(reason transport.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConnectionLocked(reason)
}

// closeConnectionLocked is the one-way close discipline: cancel every
// timer this connection owns, close the transport, fire on_close, mark
// Closed. Must be called with c.mu held; safe to call more than once.
func (c *Connection) closeConnectionLocked(reason transport.CloseReason) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason

	for _, role := range []TimerRole{
		TimerRoleInitialInactivity,
		TimerRoleGeneralInactivity,
		TimerRoleAliveCheck,
		TimerRoleDownstreamResponse,
	} {
		c.timers.CancelTimer(TimerKey{ConnID: c.id, Role: role})
	}

	c.state = StateClosed
	c.epoch++
	c.tr.Close(reason)
	if c.model != nil {
		c.mu.Unlock()
		c.fireCloseSafe(reason.String())
		c.mu.Lock()
	}
}
