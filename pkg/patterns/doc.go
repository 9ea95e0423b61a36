// Package patterns loads and serves backend pattern libraries: the named
// script templates that the compiler assembles plans from.
//
// A library document is one YAML (or JSON) file per backend. Top-level keys
// are category names. Three keys are reserved:
//
//   - imports: ordered template lines substituted against the plan's
//     top-level fields, emitted first.
//   - init: same treatment, emitted second.
//   - analyze: either a list (treated like imports/init and always emitted)
//     or a mapping (an ordinary pattern category driven by the plan's
//     analyze items).
//
// Every other top-level key must belong to the enumerated category schema
// (geometry_shapes, components, materials, physics, studies, probes,
// results, exports) and maps type names to ordered template-line lists.
//
// Category order and the order of types within a category follow the
// document. Type names must be unique across the whole document; a
// collision is a load error, which keeps first-match lookup unambiguous.
// Libraries are immutable after load and cached per backend by Registry.
package patterns
