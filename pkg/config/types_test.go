package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/generators"
	"github.com/simforge/simforge/pkg/transports/ssh"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Experiment != "default" {
		t.Errorf("expected experiment 'default', got %s", cfg.Experiment)
	}
	if cfg.Backend != "comsol" {
		t.Errorf("expected backend 'comsol', got %s", cfg.Backend)
	}
	if cfg.Mode != string(engine.ModeStrict) {
		t.Errorf("expected strict mode, got %s", cfg.Mode)
	}
	if cfg.Generator.BaseURL != generators.DefaultBaseURL {
		t.Errorf("expected default base URL, got %s", cfg.Generator.BaseURL)
	}
	if cfg.Generator.Temperature != 0.7 {
		t.Errorf("expected default temperature 0.7, got %v", cfg.Generator.Temperature)
	}
	if cfg.Selection.K != DefaultCandidates {
		t.Errorf("expected k=%d, got %d", DefaultCandidates, cfg.Selection.K)
	}
	if cfg.Execution.Mode != "local" {
		t.Errorf("expected local execution, got %s", cfg.Execution.Mode)
	}
	if cfg.Execution.Interpreter != DefaultInterpreter {
		t.Errorf("expected interpreter %s, got %s", DefaultInterpreter, cfg.Execution.Interpreter)
	}
	if cfg.Execution.Remote.Port != 22 {
		t.Errorf("expected SSH port 22, got %d", cfg.Execution.Remote.Port)
	}
	if cfg.Scoring.Metric != DefaultMetricColumn {
		t.Errorf("expected metric %s, got %s", DefaultMetricColumn, cfg.Scoring.Metric)
	}
	if cfg.Store.Path != DefaultStorePath {
		t.Errorf("expected store path %s, got %s", DefaultStorePath, cfg.Store.Path)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.Telemetry.LogLevel)
	}
}

func TestConfig_ApplyDefaultsPreservesValues(t *testing.T) {
	cfg := &Config{
		Backend: "elmer",
		WorkDir: "scratch",
	}
	cfg.Generator.Model = "llama3:70b"
	cfg.Selection.K = 7
	cfg.ApplyDefaults()

	if cfg.Backend != "elmer" {
		t.Errorf("expected backend to be preserved, got %s", cfg.Backend)
	}
	if cfg.WorkDir != "scratch" {
		t.Errorf("expected work dir to be preserved, got %s", cfg.WorkDir)
	}
	if cfg.Generator.Model != "llama3:70b" {
		t.Errorf("expected model to be preserved, got %s", cfg.Generator.Model)
	}
	if cfg.Selection.K != 7 {
		t.Errorf("expected k to be preserved, got %d", cfg.Selection.K)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		contains string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "bad generator timeout",
			mutate: func(c *Config) {
				c.Generator.Timeout = "2 minutes"
			},
			wantErr:  true,
			contains: "generator.timeout",
		},
		{
			name: "bad retention",
			mutate: func(c *Config) {
				c.Store.Retention = "forever"
			},
			wantErr:  true,
			contains: "store.retention",
		},
		{
			name: "hook and hook_path together",
			mutate: func(c *Config) {
				c.Scoring.Hook = `result = reward`
				c.Scoring.HookPath = "shape.star"
			},
			wantErr:  true,
			contains: "mutually exclusive",
		},
		{
			name: "unknown role",
			mutate: func(c *Config) {
				c.Generator.Roles = map[string]generators.RoleProfile{
					"wizard": {Temperature: 0.2},
				}
			},
			wantErr:  true,
			contains: "wizard",
		},
		{
			name: "sandbox mode without image",
			mutate: func(c *Config) {
				c.Execution.Mode = "sandbox"
			},
			wantErr:  true,
			contains: "image",
		},
		{
			name: "remote mode without connection details",
			mutate: func(c *Config) {
				c.Execution.Mode = "remote"
			},
			wantErr:  true,
			contains: "execution.remote.host",
		},
		{
			name: "invalid mode",
			mutate: func(c *Config) {
				c.Mode = "chaotic"
			},
			wantErr:  true,
			contains: "Mode",
		},
		{
			name: "candidate count out of range",
			mutate: func(c *Config) {
				c.Selection.K = 99
			},
			wantErr: true,
		},
		{
			name: "temperature out of range",
			mutate: func(c *Config) {
				c.Generator.Temperature = 3.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got none")
				}
				if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
					t.Errorf("expected error to mention %q, got: %v", tt.contains, err)
				}
			} else if err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkDir = "scratch"
	cfg.Execution.ScriptName = "sweep.py"
	cfg.Scoring.Artifact = "out.csv"

	if got := cfg.ScriptPath(); got != filepath.Join("scratch", "sweep.py") {
		t.Errorf("unexpected script path: %s", got)
	}
	if got := cfg.ArtifactPath(); got != filepath.Join("scratch", "out.csv") {
		t.Errorf("unexpected artifact path: %s", got)
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.GenerateTimeout(); got != DefaultGenerateTimeout {
		t.Errorf("expected default generate timeout, got %v", got)
	}
	if got := cfg.RetentionPeriod(); got != 0 {
		t.Errorf("expected zero retention by default, got %v", got)
	}

	cfg.Generator.Timeout = "90s"
	cfg.Execution.Timeout = "30m"
	cfg.Store.Retention = "720h"

	if got := cfg.GenerateTimeout(); got != 90*time.Second {
		t.Errorf("expected 90s generate timeout, got %v", got)
	}
	if got := cfg.ExecuteTimeout(); got != 30*time.Minute {
		t.Errorf("expected 30m execute timeout, got %v", got)
	}
	if got := cfg.RetentionPeriod(); got != 720*time.Hour {
		t.Errorf("expected 720h retention, got %v", got)
	}
}

func TestConfig_ToLoopConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Experiment = "sweep"
	cfg.Task = "maximize the output voltage"
	cfg.Backend = "comsol"
	cfg.Mode = "tolerant"
	cfg.Selection.MaxAttempts = 5

	lc := cfg.ToLoopConfig()
	if lc.Experiment != "sweep" {
		t.Errorf("expected experiment 'sweep', got %s", lc.Experiment)
	}
	if lc.Seed != cfg.Task {
		t.Errorf("expected seed from task, got %s", lc.Seed)
	}
	if lc.Mode != engine.ModeTolerant {
		t.Errorf("expected tolerant mode, got %s", lc.Mode)
	}
	if lc.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", lc.MaxAttempts)
	}
	if lc.ScriptPath != cfg.ScriptPath() {
		t.Errorf("expected script path %s, got %s", cfg.ScriptPath(), lc.ScriptPath)
	}
	if lc.ExecuteTimeout != DefaultExecuteTimeout {
		t.Errorf("expected default execute timeout, got %v", lc.ExecuteTimeout)
	}
}

func TestConfig_ToGeneratorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generator.Roles = map[string]generators.RoleProfile{
		"critic": {Temperature: 0.1},
	}

	gc := cfg.ToGeneratorConfig()

	critic, ok := gc.Profiles[engine.RoleCritic]
	if !ok {
		t.Fatal("expected critic profile")
	}
	if critic.Temperature != 0.1 {
		t.Errorf("expected critic temperature override, got %v", critic.Temperature)
	}
	if critic.SystemPrompt == "" {
		t.Error("expected critic persona prompt to survive a partial override")
	}

	architect, ok := gc.Profiles[engine.RoleArchitect]
	if !ok {
		t.Fatal("expected architect profile")
	}
	if architect.SystemPrompt == "" {
		t.Error("expected untouched roles to keep their personas")
	}
}

func TestConfig_ToScorerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Bands = []engine.Band{{Name: "high", Min: 1000, Reward: 10}}

	sc, err := cfg.ToScorerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.ArtifactPath != cfg.ArtifactPath() {
		t.Errorf("expected artifact path %s, got %s", cfg.ArtifactPath(), sc.ArtifactPath)
	}
	if sc.MetricColumn != DefaultMetricColumn {
		t.Errorf("expected metric column %s, got %s", DefaultMetricColumn, sc.MetricColumn)
	}
	if sc.Hook != nil {
		t.Error("expected no hook without configuration")
	}
	if len(sc.Bands) != 1 {
		t.Errorf("expected 1 band, got %d", len(sc.Bands))
	}

	cfg.Scoring.Hook = `result = reward * 2.0`
	sc, err = cfg.ToScorerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Hook == nil {
		t.Error("expected inline hook to be loaded")
	}

	cfg.Scoring.Hook = ""
	cfg.Scoring.HookPath = filepath.Join(t.TempDir(), "absent.star")
	if _, err := cfg.ToScorerConfig(); err == nil {
		t.Error("expected error for missing hook file")
	}
}

func TestConfig_ToSSHConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.Remote.Host = "hpc01"
	cfg.Execution.Remote.User = "sim"
	cfg.Execution.Remote.KeyPath = "/keys/id_ed25519"

	sshCfg := cfg.ToSSHConfig()
	if sshCfg.Host != "hpc01" || sshCfg.User != "sim" {
		t.Errorf("unexpected host/user: %s@%s", sshCfg.User, sshCfg.Host)
	}
	if sshCfg.Port != 22 {
		t.Errorf("expected port 22, got %d", sshCfg.Port)
	}
	if sshCfg.AuthMethod != ssh.AuthMethodKey {
		t.Errorf("expected key auth, got %s", sshCfg.AuthMethod)
	}
	if sshCfg.PrivateKeyPath != "/keys/id_ed25519" {
		t.Errorf("unexpected key path: %s", sshCfg.PrivateKeyPath)
	}
	if !sshCfg.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}

	cfg.Execution.Remote.InsecureSkipVerify = true
	sshCfg = cfg.ToSSHConfig()
	if sshCfg.StrictHostKeyChecking {
		t.Error("expected host key checking to be disabled")
	}
	if sshCfg.KnownHostsPath != "" {
		t.Errorf("expected empty known_hosts path, got %s", sshCfg.KnownHostsPath)
	}

	cfg.Execution.Remote.Password = "hunter2"
	sshCfg = cfg.ToSSHConfig()
	if sshCfg.AuthMethod != ssh.AuthMethodPassword {
		t.Errorf("expected password auth, got %s", sshCfg.AuthMethod)
	}
	if sshCfg.Password != "hunter2" {
		t.Error("expected password to be carried over")
	}
}

func TestConfig_ToTelemetryConfig(t *testing.T) {
	cfg := DefaultConfig()

	tc := cfg.ToTelemetryConfig()
	if tc.Logging.Level != "info" {
		t.Errorf("expected info logging, got %s", tc.Logging.Level)
	}
	if tc.Metrics.Enabled {
		t.Error("expected metrics disabled by default")
	}
	if tc.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}

	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.MetricsAddr = ":9090"
	cfg.Telemetry.Tracing = true
	cfg.Telemetry.OTLPEndpoint = "collector:4317"

	tc = cfg.ToTelemetryConfig()
	if tc.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", tc.Logging.Level)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9090" {
		t.Errorf("expected metrics on :9090, got enabled=%v addr=%s", tc.Metrics.Enabled, tc.Metrics.ListenAddress)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("expected tracing to collector:4317, got enabled=%v endpoint=%s", tc.Tracing.Enabled, tc.Tracing.Endpoint)
	}
	if tc.Tracing.Exporter != "otlp" {
		t.Errorf("expected otlp exporter, got %s", tc.Tracing.Exporter)
	}
}

func TestConfig_ToRemoteRunnerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.Remote.AgentPath = "/usr/local/bin/simforge-agent"
	cfg.Execution.Remote.RemoteDir = "/var/lib/simforge"

	rc := cfg.ToRemoteRunnerConfig()
	if rc.AgentPath != "/usr/local/bin/simforge-agent" {
		t.Errorf("unexpected agent path: %s", rc.AgentPath)
	}
	if rc.RemoteDir != "/var/lib/simforge" {
		t.Errorf("unexpected remote dir: %s", rc.RemoteDir)
	}
	if rc.ScriptName != DefaultScriptName {
		t.Errorf("unexpected script name: %s", rc.ScriptName)
	}
	if rc.ArtifactName != DefaultArtifactName {
		t.Errorf("unexpected artifact name: %s", rc.ArtifactName)
	}
	if rc.LocalArtifactPath != cfg.ArtifactPath() {
		t.Errorf("expected artifact to land at %s, got %s", cfg.ArtifactPath(), rc.LocalArtifactPath)
	}
}

func TestConfig_ToCheckerConfig(t *testing.T) {
	cfg := DefaultConfig()

	cc := cfg.ToCheckerConfig()
	if len(cc.PolicyPaths) != 0 {
		t.Errorf("expected no policy paths by default, got %v", cc.PolicyPaths)
	}
	if cc.WorkDir != cfg.WorkDir {
		t.Errorf("expected work dir %s, got %s", cfg.WorkDir, cc.WorkDir)
	}

	cfg.Policy.Dir = "policies"
	cfg.Policy.HotReload = true
	cc = cfg.ToCheckerConfig()
	if len(cc.PolicyPaths) != 1 || cc.PolicyPaths[0] != "policies" {
		t.Errorf("expected policy dir to be forwarded, got %v", cc.PolicyPaths)
	}
	if !cc.HotReload {
		t.Error("expected hot reload to be forwarded")
	}
}
