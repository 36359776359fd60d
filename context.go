package loom

// RunContext carries caller data through a run. Tools, predicates and
// instruction functions receive it. Each tool invocation gets its own
// derivative from ForCall, so an approval granted to one call never reaches
// another.
type RunContext struct {
	// ThreadID is the id of the thread being executed.
	ThreadID string
	// Data is arbitrary caller state, shared by every call of the run.
	Data any

	callID   string
	approved bool
}

// NewRunContext returns a run context for threadID carrying data.
func NewRunContext(threadID string, data any) *RunContext {
	return &RunContext{ThreadID: threadID, Data: data}
}

// ForCall returns a copy of rc scoped to one tool invocation. approved marks
// the call as approved by a human.
func (rc *RunContext) ForCall(callID string, approved bool) *RunContext {
	var c RunContext
	if rc != nil {
		c = *rc
	}
	c.callID = callID
	c.approved = approved
	return &c
}

// CallID returns the call this context is scoped to, or "" for the run scope.
func (rc *RunContext) CallID() string {
	if rc == nil {
		return ""
	}
	return rc.callID
}

// Approved reports whether rc carries an approval for callID.
func (rc *RunContext) Approved(callID string) bool {
	return rc != nil && rc.approved && rc.callID == callID
}
