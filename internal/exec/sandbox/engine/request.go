package engine

import (
	"runbox/internal/exec/sandbox/spec"
)

// initRequest is the stage-two payload streamed to the sandbox-init helper
// on its stdin. The helper finalizes the sandbox from inside the namespaces.
type initRequest struct {
	RunSpec       spec.RunSpec
	EnableSeccomp bool
	EnableNs      bool
}
