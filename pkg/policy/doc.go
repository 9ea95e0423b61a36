// Package policy gates generated scripts with Open Policy Agent (OPA)
// before they reach an execution backend.
//
// Scripts come out of a language model by way of the compiler, so they are
// untrusted by construction. Every compiled script is evaluated against a
// set of Rego policies together with its plan and the configured work
// directory. Violations at error severity or above deny execution; the
// cycle loop treats a denial like a failed attempt and feeds the violation
// messages back into the repair conversation.
//
// The package ships built-in policies that deny process escapes and
// network access in generated scripts, contain file writes to the work
// directory, and warn when a plan carries no results stage. Additional
// policies are loaded from .rego or .json files in the configured policy
// directory and can be hot reloaded on change.
//
// Creating the execution gate:
//
//	checker, err := policy.NewChecker(ctx, policy.CheckerConfig{
//	    WorkDir:     "/var/lib/simforge/work",
//	    PolicyPaths: []string{"/etc/simforge/policy.d"},
//	    HotReload:   true,
//	}, tel)
//
// Evaluating directly, for example from a validation command:
//
//	result, err := eng.Evaluate(ctx, &policy.Input{
//	    Backend: script.Backend,
//	    Plan:    plan,
//	    Script:  script,
//	})
//
// Custom policies receive the same input document. A minimal rule:
//
//	package simforge.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    some i, line in input.script.lines
//	    contains(line, "shutil.rmtree")
//	    violation := {
//	        "message": sprintf("line %d deletes directory trees", [i + 1]),
//	        "severity": "error",
//	        "line": i + 1,
//	    }
//	}
package policy
