package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every engine starts with. They encode
// the baseline safety expectations for scripts a language model wrote:
// no process escapes, no network access, writes confined to the work
// directory, and a plan that actually produces results.
func BuiltinPolicies() []Policy {
	return []Policy{
		processEscapePolicy(),
		networkEscapePolicy(),
		writeContainmentPolicy(),
		resultsStagePolicy(),
	}
}

// processEscapePolicy denies scripts that break out into host processes.
func processEscapePolicy() Policy {
	return Policy{
		Name:        "script-process-escape",
		Description: "Denies generated scripts that spawn host processes or shells",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"script", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package simforge.policies.escapes

import rego.v1

escape_markers := [
	"os.system(",
	"os.popen(",
	"os.exec",
	"os.spawn",
	"subprocess.",
	"pty.spawn(",
	"Runtime.getRuntime().exec",
]

deny contains violation if {
	input.script
	some i, line in input.script.lines
	some marker in escape_markers
	contains(line, marker)
	violation := {
		"message": sprintf("script line %d spawns a host process (%s)", [i + 1, marker]),
		"severity": "error",
		"line": i + 1,
	}
}`,
	}
}

// networkEscapePolicy denies scripts that open network connections. A
// simulation script has everything it needs on disk.
func networkEscapePolicy() Policy {
	return Policy{
		Name:        "script-network-escape",
		Description: "Denies generated scripts that open network connections",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"script", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package simforge.policies.network

import rego.v1

network_markers := [
	"urllib",
	"requests.",
	"http.client",
	"httplib",
	"socket.socket",
	"ftplib",
	"smtplib",
	"paramiko",
]

deny contains violation if {
	input.script
	some i, line in input.script.lines
	some marker in network_markers
	contains(line, marker)
	violation := {
		"message": sprintf("script line %d opens a network connection (%s)", [i + 1, marker]),
		"severity": "error",
		"line": i + 1,
	}
}`,
	}
}

// writeContainmentPolicy denies file writes to absolute paths outside the
// work directory. Relative paths resolve inside the work directory and are
// always fine.
func writeContainmentPolicy() Policy {
	return Policy{
		Name:        "script-write-containment",
		Description: "Denies generated scripts that write to absolute paths outside the work directory",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"script", "filesystem"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package simforge.policies.paths

import rego.v1

write_markers := [
	"open(",
	".save(",
	".savetxt(",
	"to_csv(",
	"mphsave(",
	"shutil.",
]

deny contains violation if {
	input.script
	input.work_dir
	some i, line in input.script.lines
	some marker in write_markers
	contains(line, marker)
	some quoted in regex.find_n(` + "`" + `["']/[^"']+` + "`" + `, line, -1)
	path := substring(quoted, 1, -1)
	not startswith(path, input.work_dir)
	violation := {
		"message": sprintf("script line %d writes to %s outside the work directory", [i + 1, path]),
		"severity": "error",
		"line": i + 1,
	}
}`,
	}
}

// resultsStagePolicy warns when a plan has no results stage, since the run
// will finish without an artifact and score as a crash.
func resultsStagePolicy() Policy {
	return Policy{
		Name:        "plan-results-stage",
		Description: "Warns when a plan carries no results stage",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"plan"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package simforge.policies.results

import rego.v1

deny contains violation if {
	input.plan
	not input.plan.stages.results
	violation := {
		"message": "plan has no results stage, execution will produce no artifact",
		"severity": "warning",
	}
}`,
	}
}
