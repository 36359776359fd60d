package loom

import (
	"context"
	"fmt"
)

// PreModelProcessor runs before a request is sent to the model. It may
// rewrite the request or return an error to stop the run.
// Must be safe for concurrent use.
type PreModelProcessor interface {
	PreModel(ctx context.Context, req *ModelRequest) error
}

// PostModelProcessor runs after the model responds, before the response is
// interpreted. It may rewrite the response, for example to drop tool calls.
// Must be safe for concurrent use.
type PostModelProcessor interface {
	PostModel(ctx context.Context, resp *ModelResponse) error
}

// PostActionProcessor runs after each tool invocation, before the result is
// appended to history. It runs for results that need approval too.
// Must be safe for concurrent use.
type PostActionProcessor interface {
	PostAction(ctx context.Context, call ToolCall, result *ToolResult) error
}

// ErrHalt signals that a processor wants to stop the run and return a
// specific response. The thread completes with Output set to Response and a
// nil error.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ProcessorChain holds an ordered list of processors. A processor only
// participates in the phases whose interface it implements.
type ProcessorChain struct {
	processors []any
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a processor to the chain.
// Panics if p implements none of the processor interfaces.
func (c *ProcessorChain) Add(p any) {
	_, isPre := p.(PreModelProcessor)
	_, isPost := p.(PostModelProcessor)
	_, isAction := p.(PostActionProcessor)
	if !isPre && !isPost && !isAction {
		panic(fmt.Sprintf("loom: processor %T implements none of PreModelProcessor, PostModelProcessor, PostActionProcessor", p))
	}
	c.processors = append(c.processors, p)
}

// RunPreModel runs all PreModelProcessor hooks in registration order and
// stops at the first error.
func (c *ProcessorChain) RunPreModel(ctx context.Context, req *ModelRequest) error {
	if c == nil {
		return nil
	}
	for _, p := range c.processors {
		if pre, ok := p.(PreModelProcessor); ok {
			if err := pre.PreModel(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostModel runs all PostModelProcessor hooks in registration order and
// stops at the first error.
func (c *ProcessorChain) RunPostModel(ctx context.Context, resp *ModelResponse) error {
	if c == nil {
		return nil
	}
	for _, p := range c.processors {
		if post, ok := p.(PostModelProcessor); ok {
			if err := post.PostModel(ctx, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostAction runs all PostActionProcessor hooks in registration order and
// stops at the first error.
func (c *ProcessorChain) RunPostAction(ctx context.Context, call ToolCall, result *ToolResult) error {
	if c == nil {
		return nil
	}
	for _, p := range c.processors {
		if pa, ok := p.(PostActionProcessor); ok {
			if err := pa.PostAction(ctx, call, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of registered processors.
func (c *ProcessorChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.processors)
}
