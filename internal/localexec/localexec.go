// Package localexec implements the ILocalExecutor fallback collaborator
// (spec.md §6, "LocalInvoker.invoke_tool(invocation, callback) — fallback
// target"), grounded on original_source/Modules/LocalExecutor/LocalExecutor.h
// and on the teacher's own exec.Command usage in Worker.Start.
package localexec

import (
	"bytes"
	"os/exec"
	"time"

	"github.com/mapron/wuild-go/internal/invocation"
)

// Result mirrors the shape of TaskExecutionInfo (spec.md §3) closely
// enough for the fallback path to populate one directly.
type Result struct {
	Success       bool
	Stdout        string
	ExecutionTime time.Duration
}

// Invoker is the LocalInvoker contract from spec.md §6.
type Invoker interface {
	InvokeTool(inv invocation.ToolInvocation, callback func(Result))
}

// ProcessInvoker runs each invocation as a local subprocess via
// os/exec, one goroutine per call — the simplest faithful stand-in for
// the original's ninja-backed SubprocessSet, since this spec is
// transport/tool-oblivious and has no compiler semantics to emulate.
type ProcessInvoker struct {
	// Command resolves a ToolID to an executable path; ToolID is used
	// directly as the executable name when Command is nil.
	Command func(toolID string) string
}

// InvokeTool implements Invoker.
func (p ProcessInvoker) InvokeTool(inv invocation.ToolInvocation, callback func(Result)) {
	go func() {
		start := time.Now()
		bin := inv.ToolID
		if p.Command != nil {
			if resolved := p.Command(inv.ToolID); resolved != "" {
				bin = resolved
			}
		}

		cmd := exec.Command(bin, inv.Args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		callback(Result{
			Success:       err == nil,
			Stdout:        out.String(),
			ExecutionTime: time.Since(start),
		})
	}()
}
