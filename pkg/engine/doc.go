// Package engine provides the core types and orchestration logic for the
// SimForge experiment engine.
//
// # Overview
//
// SimForge closes a generate -> compile -> execute -> evaluate loop around a
// set of simulation backends. A cycle proceeds through four collaborating
// pieces, all of which live in this package:
//
//  1. Workflow - a finite-state machine that sequences the design roles
//     (proposal, material selection, circuit design, critique, plan emission)
//     into a design context
//  2. Selector - best-of-K sampling over a black-box generator, producing a
//     single validated Plan from the design context
//  3. Loop - the repair loop that compiles the Plan, executes the resulting
//     script, scores the outcome, and retries with corrective diagnostics
//     until success or attempt exhaustion
//  4. Scorer - the band-based outcome scoring policy applied to the result
//     artifact's metric
//
// The concrete pattern libraries, the compiler, and the process runners live
// in pkg/patterns, pkg/compiler, and pkg/runner; this package depends on them
// only through the interfaces defined in interfaces.go.
//
// # Core Domain Types
//
//   - Plan: a backend-agnostic experiment description with staged items
//   - Item: a typed, parameterized entry within a plan stage
//   - Script: compiled, ordered script text for one backend
//   - ExecutionResult: captured outcome of running a compiled script
//   - Candidate: one generated-but-unverified plan during sampling
//   - Attempt: one generate-compile-execute-evaluate iteration
//   - CycleResult: the terminal summary of a repair cycle
//
// # Error Classification
//
// Errors are classified for loop control:
//
//   - Fatal: terminate the cycle immediately (bad config, unreachable
//     infrastructure, no valid candidate)
//   - Retryable: absorbed into the repair loop as corrective diagnostics
//     (missing pattern, unbound placeholder, nonzero exit, timeout)
//   - Discard: candidate-level failures dropped during sampling
//
// Use IsFatal and IsRetryable to branch on classification:
//
//	if engine.IsFatal(err) {
//	    // abort the cycle, do not retry
//	}
//
// # Concurrency
//
// A cycle is strictly sequential: no two collaborator calls overlap, and the
// compiled-script and artifact paths are fixed per cycle. Running two cycles
// concurrently against the same work directory is not supported. Every
// blocking collaborator call is wrapped in a caller-configured timeout, and a
// timeout is treated as a retryable failure rather than an abort.
package engine
