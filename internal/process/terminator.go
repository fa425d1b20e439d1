package process

// Terminator is the platform capability used to end a process tree. Requests
// against a process that already exited succeed as no-ops.
type Terminator interface {
	// TerminateGracefully asks the process tree to exit (SIGTERM on Unix).
	TerminateGracefully(p *Process) error
	// TerminateForcefully kills the process tree unconditionally.
	TerminateForcefully(p *Process) error
	// IsAlive reports whether the process or any member of its group still runs.
	IsAlive(p *Process) bool
}

// NewTerminator returns the Terminator for the current platform.
func NewTerminator() Terminator { return platformTerminator{} }
