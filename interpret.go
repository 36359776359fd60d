package loom

// ActionSet is the tool calls one model turn asked for, in emission order.
type ActionSet struct {
	ToolCalls []ToolCall
}

// Interpret splits a model response into the events to append to history
// and the actions to perform. Every response event is kept in emission order;
// tool calls are also collected into the action set, which is nil when the
// turn carried none. Interpret is pure.
func Interpret(resp ModelResponse) ([]Event, *ActionSet) {
	events := make([]Event, 0, len(resp.Events))
	var actions *ActionSet
	for _, ev := range resp.Events {
		events = append(events, ev)
		if call, ok := ev.(ToolCall); ok {
			if actions == nil {
				actions = &ActionSet{}
			}
			actions.ToolCalls = append(actions.ToolCalls, call)
		}
	}
	return events, actions
}
