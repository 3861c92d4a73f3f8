package conn

import "time"

// State is a connection's position in the DoIP per-connection FSM.
// Contiguous so it can index a descriptor table.
type State int

const (
	StateSocketInitialized State = iota
	StateWaitRoutingActivation
	StateRoutingActivated
	StateWaitAliveCheckResponse
	StateWaitDownstreamResponse
	StateFinalize
	StateClosed

	stateCount = int(StateClosed) + 1
)

func (s State) String() string {
	switch s {
	case StateSocketInitialized:
		return "SocketInitialized"
	case StateWaitRoutingActivation:
		return "WaitRoutingActivation"
	case StateRoutingActivated:
		return "RoutingActivated"
	case StateWaitAliveCheckResponse:
		return "WaitAliveCheckResponse"
	case StateWaitDownstreamResponse:
		return "WaitDownstreamResponse"
	case StateFinalize:
		return "Finalize"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// TimerRole names the distinct timer roles a state may arm, all backed by
// the same shared Manager.
type TimerRole int

const (
	TimerRoleNone TimerRole = iota
	TimerRoleInitialInactivity
	TimerRoleGeneralInactivity
	TimerRoleAliveCheck
	TimerRoleDownstreamResponse
)

// Default timer durations.
const (
	DefaultInitialInactivity  = 2 * time.Second
	DefaultGeneralInactivity  = 5 * time.Minute
	DefaultAliveCheck         = 500 * time.Millisecond
	DefaultDownstreamResponse = 2 * time.Second
)

// stateDescriptor is the per-state metadata used to arm the right timer on
// entry. Message handling itself is dispatched by a switch in
// Connection.handleMessageLocked, and timeouts by
// Connection.handleTimeoutLocked, since the branch logic is too
// state-specific to generalize usefully behind a function pointer here.
type stateDescriptor struct {
	role     TimerRole
	fallback State // state entered instead of arming the timer when the
	// role's configured duration is not positive
}

// descriptors indexes stateDescriptor by State: each state's active
// timer role and the state entered when that role has no positive duration.
var descriptors = [stateCount]stateDescriptor{
	StateSocketInitialized:      {role: TimerRoleNone},
	StateWaitRoutingActivation:  {role: TimerRoleInitialInactivity, fallback: StateFinalize},
	StateRoutingActivated:       {role: TimerRoleGeneralInactivity, fallback: StateWaitAliveCheckResponse},
	StateWaitAliveCheckResponse: {role: TimerRoleAliveCheck, fallback: StateWaitAliveCheckResponse},
	StateWaitDownstreamResponse: {role: TimerRoleDownstreamResponse, fallback: StateRoutingActivated},
	StateFinalize:               {role: TimerRoleNone},
	StateClosed:                 {role: TimerRoleNone},
}
