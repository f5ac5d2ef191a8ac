// Package invocation defines ToolInvocation (spec.md GLOSSARY: "a tool-id
// plus arguments and input/output file references") and the
// InvocationRewriter local collaborator spec.md §6 names:
// "InvocationRewriter.prepare_remote(invocation) -> invocation — strips
// absolute paths, relocates outputs."
package invocation

import (
	"path/filepath"
	"strings"

	"github.com/mapron/wuild-go/internal/wire"
)

// ToolInvocation is the client-side view of a tool invocation, before it
// is rewritten for remote dispatch. The core never interprets ToolID or
// Args beyond routing (spec.md §1, "transport-oblivious to tool content").
type ToolInvocation struct {
	ToolID     string
	Args       []string
	InputPath  string
	OutputPath string
}

// ToWire converts a ToolInvocation to its wire representation.
func (t ToolInvocation) ToWire() wire.Invocation {
	return wire.Invocation{
		ToolID:     t.ToolID,
		Args:       append([]string(nil), t.Args...),
		InputPath:  t.InputPath,
		OutputPath: t.OutputPath,
	}
}

// ArgsString joins Args for logging, matching the original's
// GetArgsString(false) log call sites.
func (t ToolInvocation) ArgsString() string {
	return strings.Join(t.Args, " ")
}

// Rewriter is the InvocationRewriter contract from spec.md §6.
type Rewriter interface {
	PrepareRemote(inv ToolInvocation) ToolInvocation
}

// PathRewriter is the default Rewriter: it strips the invocation's input
// and output paths down to their base names, and drops any argument that
// looks like an absolute path down to its base name too, so a worker on a
// different filesystem layout can still resolve its inputs.
type PathRewriter struct {
	// RelocatedOutputDir, if set, is prepended to the rewritten output
	// base name, matching "relocates outputs" in spec.md §6.
	RelocatedOutputDir string
}

// PrepareRemote implements Rewriter.
func (p PathRewriter) PrepareRemote(inv ToolInvocation) ToolInvocation {
	out := inv
	out.Args = make([]string, len(inv.Args))
	for i, arg := range inv.Args {
		if filepath.IsAbs(arg) {
			out.Args[i] = filepath.Base(arg)
		} else {
			out.Args[i] = arg
		}
	}
	if inv.InputPath != "" {
		out.InputPath = filepath.Base(inv.InputPath)
	}
	if inv.OutputPath != "" {
		base := filepath.Base(inv.OutputPath)
		if p.RelocatedOutputDir != "" {
			base = filepath.Join(p.RelocatedOutputDir, base)
		}
		out.OutputPath = base
	}
	return out
}
