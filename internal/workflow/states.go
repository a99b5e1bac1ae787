package workflow

// State is the closed set of job workflow states. Transition legality is
// checked only against the transition table, never special-cased per state.
type State string

const (
	StatePosted      State = "posted"
	StateApplied     State = "applied"
	StateUnderReview State = "under_review"
	StateAccepted    State = "accepted"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateRated       State = "rated"
	StatePaid        State = "paid"
	StateClosed      State = "closed"
	StateCancelled   State = "cancelled"
)

// transitionTable maps each state to its legal destinations. cancelled is
// reachable from every non-terminal state except closed; closed and cancelled
// are terminal.
var transitionTable = map[State][]State{
	StatePosted:      {StateApplied, StateCancelled},
	StateApplied:     {StateUnderReview, StateCancelled},
	StateUnderReview: {StateAccepted, StateCancelled},
	StateAccepted:    {StateInProgress, StateCancelled},
	StateInProgress:  {StateCompleted, StateCancelled},
	StateCompleted:   {StateRated, StateCancelled},
	StateRated:       {StatePaid, StateCancelled},
	StatePaid:        {StateClosed, StateCancelled},
	StateClosed:      {},
	StateCancelled:   {},
}

// ParseState validates a state name.
func ParseState(s string) (State, bool) {
	st := State(s)
	_, ok := transitionTable[st]
	return st, ok
}

// Terminal reports whether no transition can ever leave s.
func (s State) Terminal() bool {
	return len(transitionTable[s]) == 0
}

// CanTransition reports whether from -> to is in the legal transition map.
func CanTransition(from, to State) bool {
	for _, t := range transitionTable[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllStates returns every member of the state enum.
func AllStates() []State {
	return []State{
		StatePosted, StateApplied, StateUnderReview, StateAccepted,
		StateInProgress, StateCompleted, StateRated, StatePaid,
		StateClosed, StateCancelled,
	}
}

// Role of an authenticated actor relative to a workflow.
type Role string

const (
	RoleCompany Role = "company"
	RoleGuard   Role = "guard"
	RoleSystem  Role = "system"
)

// Actor identifies who is requesting a transition.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for transitions driven by the orchestrator itself
// (auto-advance to review, payment release).
var SystemActor = Actor{ID: "system", Role: RoleSystem}
