// Package compiler renders validated plans into executable backend scripts.
//
// Compilation walks a fixed section order regardless of plan key order:
// imports, init, structure, materials, physics, setup, analyze, results.
// The preamble sections come from the pattern library and are templated
// against the plan's top-level fields; the stage sections come from plan
// items resolved through the library.
//
// The core is the pure Compile function: identical (library, plan, mode)
// inputs produce byte-identical scripts, with no hidden state. The Compiler
// type binds Compile to a patterns.Registry and satisfies the
// engine.Compiler contract used by the repair loop.
//
// Strict mode fails on unresolved item types and unbound placeholders so
// the failure can be fed back to the generator as a corrective diagnostic.
// Tolerant mode downgrades both to script warnings, for offline inspection
// of partially valid plans.
package compiler
