package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/nevindra/loom"
)

// askApproval asks the user about every pending call. It returns io.EOF when
// input ends before all calls are decided, leaving the thread suspended.
func askApproval(in *bufio.Reader, out io.Writer, p *loom.PendingApproval) (loom.ApprovalResponse, error) {
	resp := loom.ApprovalResponse{
		RequestID: p.RequestID,
		Decisions: make(map[string]loom.Decision, len(p.ToolCalls)),
	}
	for _, c := range p.ToolCalls {
		fmt.Fprintf(out, "%s wants to run with %s\nApprove? [y/N] ", c.Name, string(c.Arguments))
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return resp, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			resp.Decisions[c.CallID] = loom.Approve
		default:
			resp.Decisions[c.CallID] = loom.Deny
		}
	}
	return resp, nil
}
