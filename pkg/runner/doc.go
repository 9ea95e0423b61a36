// Package runner executes compiled simulation scripts and reports the
// outcome as data.
//
// A nonzero exit from the backend interpreter is a normal, reportable
// result, not an error: the repair loop scores it with the crash penalty
// and feeds the stderr tail back to the generator. Run returns an error
// only for infrastructure failures, such as a missing interpreter or an
// unreachable remote host, which no amount of plan repair can fix.
//
// Three strategies cover the execution modes:
//
//   - Local runs the configured interpreter directly via os/exec.
//   - Sandbox wraps the same invocation in a container runtime with the
//     work directory mounted read-write.
//   - Remote uploads the script over SFTP and drives the simforge-agent
//     binary on the far side through its stdio JSON protocol.
package runner
