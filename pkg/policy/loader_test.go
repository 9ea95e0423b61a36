package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-tmp-writes.rego")

	regoContent := `package simforge.policies.tmp

# Denies writes under /tmp

import rego.v1

deny contains msg if {
	some line in input.script.lines
	contains(line, "/tmp/")
	msg := "script touches /tmp"
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-tmp-writes" {
		t.Errorf("Expected name 'no-tmp-writes', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected directory-loaded policies to default to error severity, got '%s'", policy.Severity)
	}
	if policy.Description != "Denies writes under /tmp" {
		t.Errorf("Expected description from leading comment, got '%s'", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test-policy.json")

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        "package simforge.policies.test\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"test"},
	}

	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Description != policy.Description {
		t.Errorf("Expected description '%s', got '%s'", policy.Description, loaded.Description)
	}
	if loaded.Severity != policy.Severity {
		t.Errorf("Expected severity '%s', got '%s'", policy.Severity, loaded.Severity)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()

	policies := map[string]string{
		"policy1.rego": "package p1\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}",
		"policy2.rego": "package p2\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}",
		"policy3.rego": "package p3\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}",
	}
	for filename, content := range policies {
		if err := os.WriteFile(filepath.Join(tmpDir, filename), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write test file: %v", err)
		}
	}

	// A non-policy file that should be ignored.
	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# policies"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != len(policies) {
		t.Errorf("Expected %d policies, got %d", len(policies), len(loaded))
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "comsol")
	if err := os.Mkdir(subDir, 0755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	rego := "package p1\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}"
	if err := os.WriteFile(filepath.Join(tmpDir, "policy1.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subDir, "policy2.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies (including subdirectory), got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "policy.d")
	if err := os.Mkdir(dir1, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	rego := "package p1\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}"
	if err := os.WriteFile(filepath.Join(dir1, "policy1.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	file1 := filepath.Join(tmpDir, "policy2.rego")
	if err := os.WriteFile(file1, []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(nil)

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# Denies dangerous scripts
package test`,
			expected: "Denies dangerous scripts",
		},
		{
			name: "multi line comments",
			content: `# Denies dangerous scripts
# before they reach the backend
package test`,
			expected: "Denies dangerous scripts before they reach the backend",
		},
		{
			name: "no comments",
			content: `package test
deny contains msg if { false; msg := "never" }`,
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test.rego")
	rego := "package test\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}"
	if err := os.WriteFile(policyFile, []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(policyFile, []byte("not a policy"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(nil)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test.json")
	if err := os.WriteFile(policyFile, []byte("invalid json"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(nil)

	if _, err := loader.loadFromPath(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("Expected error for non-existent path")
	}
}
