// Package exitcodes defines the process exit codes used by go-itest-supervisor.
package exitcodes

// Exit codes returned by the supervisor:
//
// * Success (0): every phase reported success
// * TestFailure (1): reserved for a phase failure when codes are not OR-ed
// * RuntimeErr (2): the run could not complete (locate, launch, config, termination)
// * Interrupted (130): the run was cancelled by SIGINT/SIGTERM
//
// A successful run exits with the bitwise OR of the phase result codes, so
// values other than the ones above are possible.
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
	Interrupted = 130
)
