package escrow

// Action is a state-machine operation on an existing transaction.
type Action uint8

const (
	ActionApprove Action = iota
	ActionComplete
	ActionAbort
	ActionAdminReturn
	ActionRecoverExpired
	ActionOpenDispute
	ActionResolveDispute
	ActionFreeze
	ActionExtendDeadline
)

// deadlineRule says how an action relates to the transaction's expiration.
type deadlineRule uint8

const (
	deadlineNone deadlineRule = iota
	deadlineBefore
	deadlineAfter
)

type transition struct {
	name     string
	event    string
	roles    Role
	from     []State
	deadline deadlineRule
	to       State
}

// transitions is the complete table of operations on existing records.
// ExtendDeadline keeps the current state; its to field is unused.
var transitions = [...]transition{
	ActionApprove: {
		name: "approve", event: "approved", roles: RoleMerchant,
		from: []State{StatePending}, deadline: deadlineBefore, to: StateApproved,
	},
	ActionComplete: {
		name: "complete", event: "completed", roles: RolePurchaser | RoleAdmin,
		from: []State{StatePending, StateApproved}, deadline: deadlineBefore, to: StateCompleted,
	},
	ActionAbort: {
		name: "abort", event: "cancelled", roles: RolePurchaser,
		from: []State{StatePending}, deadline: deadlineBefore, to: StateCancelled,
	},
	ActionAdminReturn: {
		name: "admin_return", event: "refunded", roles: RoleAdmin,
		from: []State{StatePending}, deadline: deadlineNone, to: StateRefunded,
	},
	ActionRecoverExpired: {
		name: "recover_expired", event: "expired", roles: RolePurchaser | RoleAdmin,
		from: []State{StatePending, StateApproved}, deadline: deadlineAfter, to: StateExpired,
	},
	ActionOpenDispute: {
		name: "open_dispute", event: "dispute_opened", roles: RolePurchaser | RoleMerchant,
		from: []State{StatePending, StateApproved}, deadline: deadlineBefore, to: StateDisputed,
	},
	ActionResolveDispute: {
		name: "resolve_dispute", event: "dispute_resolved", roles: RoleAdmin,
		from: []State{StateDisputed}, deadline: deadlineBefore, to: StateResolved,
	},
	ActionFreeze: {
		name: "freeze", event: "frozen", roles: RolePurchaser | RoleMerchant | RoleAdmin,
		from: []State{StatePending, StateApproved}, deadline: deadlineNone, to: StateFrozen,
	},
	ActionExtendDeadline: {
		name: "extend_deadline", event: "deadline_extended", roles: RolePurchaser | RoleMerchant | RoleAdmin,
		from: []State{StatePending, StateApproved}, deadline: deadlineNone,
	},
}

// Actions lists every action in declaration order.
var Actions = []Action{
	ActionApprove, ActionComplete, ActionAbort, ActionAdminReturn, ActionRecoverExpired,
	ActionOpenDispute, ActionResolveDispute, ActionFreeze, ActionExtendDeadline,
}

func (a Action) String() string {
	if int(a) < len(transitions) {
		return transitions[a].name
	}
	return "unknown"
}

// AllowedFrom reports whether a may be applied to a record in state s.
func (a Action) AllowedFrom(s State) bool {
	if int(a) >= len(transitions) {
		return false
	}
	for _, from := range transitions[a].from {
		if from == s {
			return true
		}
	}
	return false
}

// Target returns the state a moves a record into.
func (a Action) Target() State {
	return transitions[a].to
}

// Event returns the name of the event emitted when a succeeds.
func (a Action) Event() string {
	return transitions[a].event
}

// EventCreated is emitted when a transaction is created.
const EventCreated = "created"

// EventNames lists every event the service can emit.
func EventNames() []string {
	names := []string{EventCreated}
	for _, a := range Actions {
		names = append(names, a.Event())
	}
	return names
}
