package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/generators"
	"github.com/simforge/simforge/pkg/policy"
	"github.com/simforge/simforge/pkg/runner"
	"github.com/simforge/simforge/pkg/stores"
	"github.com/simforge/simforge/pkg/telemetry"
	"github.com/simforge/simforge/pkg/transports/ssh"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultWorkDir      = "work"
	DefaultLibraryDir   = "libraries"
	DefaultScriptName   = "experiment.py"
	DefaultArtifactName = "results.csv"
	DefaultMetricColumn = "volts"
	DefaultStorePath    = "simforge.db"
	DefaultInterpreter  = "python3"

	DefaultCandidates  = 3
	DefaultMaxAttempts = 3

	DefaultGenerateTimeout = 2 * time.Minute
	DefaultExecuteTimeout  = 10 * time.Minute
	DefaultHookTimeout     = 10 * time.Second
)

// Environment variables consulted by ApplyEnv. Secrets ride the
// environment so configuration files stay safe to commit.
const (
	// EnvAPIKey overrides generator.api_key.
	EnvAPIKey = "SIMFORGE_API_KEY"

	// EnvSSHPassword supplies the remote execution password and switches
	// the SSH transport to password authentication.
	EnvSSHPassword = "SIMFORGE_SSH_PASSWORD"
)

// Config is one experiment's full configuration, decoded from CUE.
type Config struct {
	// Experiment names the run in history rows, metrics, and logs.
	Experiment string `json:"experiment,omitempty"`

	// Task is the design brief handed to the architect. The run command
	// requires it; other commands ignore it.
	Task string `json:"task,omitempty"`

	// Backend selects the pattern library and the interpreter conventions,
	// e.g. "comsol", "ansys", "ads".
	Backend string `json:"backend,omitempty"`

	// WorkDir holds the per-attempt script and result artifact.
	WorkDir string `json:"work_dir,omitempty"`

	// LibraryDir holds the per-backend pattern library documents.
	LibraryDir string `json:"library_dir,omitempty"`

	// Mode is the compile mode, "strict" or "tolerant".
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=strict tolerant"`

	Generator GeneratorConfig `json:"generator,omitempty"`
	Workflow  WorkflowConfig  `json:"workflow,omitempty"`
	Selection SelectionConfig `json:"selection,omitempty"`
	Policy    PolicyConfig    `json:"policy,omitempty"`
	Execution ExecutionConfig `json:"execution,omitempty"`
	Scoring   ScoringConfig   `json:"scoring,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GeneratorConfig configures the chat-completions client shared by all
// design roles.
type GeneratorConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:11434/v1".
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	// APIKey is sent as a bearer token. SIMFORGE_API_KEY overrides it.
	APIKey string `json:"api_key,omitempty"`

	// Model is the default model for roles without an override.
	Model string `json:"model,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float32 `json:"temperature,omitempty" validate:"gte=0,lte=2"`

	// MaxTokens is the default completion cap. Zero leaves it to the
	// provider.
	MaxTokens int `json:"max_tokens,omitempty" validate:"gte=0"`

	// Timeout bounds one chat completion, e.g. "90s".
	Timeout string `json:"timeout,omitempty"`

	// Roles holds per-role overrides keyed by role name: architect,
	// alchemist, switchman, mathematician, critic. Overrides merge onto
	// the built-in personas.
	Roles map[string]generators.RoleProfile `json:"roles,omitempty"`
}

// WorkflowConfig bounds the design conversation.
type WorkflowConfig struct {
	// MaxRounds bounds total role invocations per design pass.
	MaxRounds int `json:"max_rounds,omitempty" validate:"omitempty,gte=4"`

	// MaxFreeRounds bounds consecutive dispatcher-routed rounds.
	MaxFreeRounds int `json:"max_free_rounds,omitempty" validate:"gte=0"`
}

// SelectionConfig sizes the candidate fan-out and the repair budget.
type SelectionConfig struct {
	// K is the number of plan candidates sampled per attempt.
	K int `json:"k,omitempty" validate:"omitempty,gte=1,lte=16"`

	// MaxAttempts bounds generate-compile-execute-evaluate iterations.
	MaxAttempts int `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=64"`
}

// PolicyConfig configures the execution gate.
type PolicyConfig struct {
	// Dir holds additional Rego policies loaded on top of the builtins.
	Dir string `json:"dir,omitempty"`

	// HotReload reloads policies whenever a file under Dir changes.
	HotReload bool `json:"hot_reload,omitempty"`
}

// ExecutionConfig selects and configures the script runner.
type ExecutionConfig struct {
	// Mode selects the runner: "local", "sandbox", or "remote".
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=local sandbox remote"`

	// Interpreter is the backend interpreter binary, e.g. "python3".
	Interpreter string `json:"interpreter,omitempty"`

	// Args are passed to the interpreter before the script path.
	Args []string `json:"args,omitempty"`

	// ScriptName is the script file name under the work directory,
	// overwritten each attempt.
	ScriptName string `json:"script_name,omitempty"`

	// Timeout bounds one script execution, e.g. "10m".
	Timeout string `json:"timeout,omitempty"`

	// Env entries are appended to the interpreter environment in local
	// mode.
	Env map[string]string `json:"env,omitempty"`

	Sandbox SandboxConfig `json:"sandbox,omitempty"`
	Remote  RemoteConfig  `json:"remote,omitempty"`
}

// SandboxConfig configures the container runner.
type SandboxConfig struct {
	// Runtime is the container runtime binary, "docker" or "podman".
	Runtime string `json:"runtime,omitempty" validate:"omitempty,oneof=docker podman"`

	// Image is the container image carrying the backend interpreter.
	Image string `json:"image,omitempty"`
}

// RemoteConfig configures SSH execution through the agent.
type RemoteConfig struct {
	// Host is the execution host name or address.
	Host string `json:"host,omitempty"`

	// Port is the SSH port.
	Port int `json:"port,omitempty" validate:"omitempty,gte=1,lte=65535"`

	// User is the SSH user.
	User string `json:"user,omitempty"`

	// KeyPath is the private key file. Empty tries the usual ~/.ssh keys.
	KeyPath string `json:"key_path,omitempty"`

	// KnownHostsPath is the known_hosts file for host key verification.
	KnownHostsPath string `json:"known_hosts,omitempty"`

	// InsecureSkipVerify accepts any host key. Development only.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`

	// AgentPath is the simforge-agent binary on the remote host.
	AgentPath string `json:"agent_path,omitempty"`

	// RemoteDir is the remote work directory for script and artifact.
	RemoteDir string `json:"remote_dir,omitempty"`

	// Password comes from SIMFORGE_SSH_PASSWORD, never from config files.
	Password string `json:"-"`
}

// ScoringConfig configures outcome evaluation.
type ScoringConfig struct {
	// Metric is the artifact CSV column holding the objective value.
	Metric string `json:"metric,omitempty"`

	// Artifact is the result file name under the work directory.
	Artifact string `json:"artifact,omitempty"`

	// Bands is the reward ladder, highest first. Empty uses the engine's
	// default ladder.
	Bands []engine.Band `json:"bands,omitempty" validate:"omitempty,dive"`

	// CrashReward is the reward for crashed or unreadable runs. Zero uses
	// the engine default.
	CrashReward float64 `json:"crash_reward,omitempty"`

	// Hook is an inline Starlark reward hook. Mutually exclusive with
	// HookPath.
	Hook string `json:"hook,omitempty"`

	// HookPath is a Starlark reward hook source file.
	HookPath string `json:"hook_path,omitempty"`

	// HookTimeout bounds one hook evaluation, e.g. "10s".
	HookTimeout string `json:"hook_timeout,omitempty"`
}

// StoreConfig configures cycle history persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `json:"path,omitempty"`

	// Disabled turns history and trajectory persistence off.
	Disabled bool `json:"disabled,omitempty"`

	// Retention prunes finished cycles older than this on startup,
	// e.g. "720h". Empty keeps everything.
	Retention string `json:"retention,omitempty"`
}

// TelemetryConfig is the observability surface exposed to experiment
// files. It maps onto the full telemetry configuration.
type TelemetryConfig struct {
	// LogLevel is trace, debug, info, warn, error, or fatal.
	LogLevel string `json:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `json:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// Tracing enables span export.
	Tracing bool `json:"tracing,omitempty"`

	// OTLPEndpoint is the collector address traces are exported to.
	// Empty with tracing enabled exports to stdout.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// ValidationError is one problem found while parsing or validating a
// configuration, with source location when CUE supplied one.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path, e.g. "generator.timeout".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors aggregates every problem found in one pass.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("%d configuration error(s): %s", len(ve), strings.Join(msgs, "; "))
}

// validate is the shared tag validator. One instance caches struct
// metadata across calls.
var validate = validator.New()

// knownRoles maps config role keys to engine role IDs.
var knownRoles = map[string]engine.RoleID{
	"architect":     engine.RoleArchitect,
	"alchemist":     engine.RoleAlchemist,
	"switchman":     engine.RoleSwitchman,
	"mathematician": engine.RoleMathematician,
	"critic":        engine.RoleCritic,
}

// DefaultConfig returns a fully defaulted configuration aimed at a local
// Ollama server and local execution. Task is left empty; the run command
// requires one.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Experiment == "" {
		c.Experiment = "default"
	}
	if c.Backend == "" {
		c.Backend = "comsol"
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.LibraryDir == "" {
		c.LibraryDir = DefaultLibraryDir
	}
	if c.Mode == "" {
		c.Mode = string(engine.ModeStrict)
	}

	if c.Generator.BaseURL == "" {
		c.Generator.BaseURL = generators.DefaultBaseURL
	}
	if c.Generator.APIKey == "" {
		c.Generator.APIKey = "ollama"
	}
	if c.Generator.Model == "" {
		c.Generator.Model = generators.DefaultModel
	}
	if c.Generator.Temperature == 0 {
		c.Generator.Temperature = 0.7
	}
	if c.Generator.Timeout == "" {
		c.Generator.Timeout = DefaultGenerateTimeout.String()
	}

	if c.Selection.K == 0 {
		c.Selection.K = DefaultCandidates
	}
	if c.Selection.MaxAttempts == 0 {
		c.Selection.MaxAttempts = DefaultMaxAttempts
	}

	if c.Execution.Mode == "" {
		c.Execution.Mode = "local"
	}
	if c.Execution.Interpreter == "" {
		c.Execution.Interpreter = DefaultInterpreter
	}
	if c.Execution.ScriptName == "" {
		c.Execution.ScriptName = DefaultScriptName
	}
	if c.Execution.Timeout == "" {
		c.Execution.Timeout = DefaultExecuteTimeout.String()
	}
	if c.Execution.Sandbox.Runtime == "" {
		c.Execution.Sandbox.Runtime = "docker"
	}
	if c.Execution.Remote.Port == 0 {
		c.Execution.Remote.Port = 22
	}

	if c.Scoring.Metric == "" {
		c.Scoring.Metric = DefaultMetricColumn
	}
	if c.Scoring.Artifact == "" {
		c.Scoring.Artifact = DefaultArtifactName
	}
	if c.Scoring.HookTimeout == "" {
		c.Scoring.HookTimeout = DefaultHookTimeout.String()
	}

	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}

	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
}

// ApplyEnv overlays secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv(EnvSSHPassword); v != "" {
		c.Execution.Remote.Password = v
	}
}

// Validate checks the configuration. All problems found in one pass are
// reported together.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		errs = append(errs, convertTagErrors(err)...)
	}

	for _, f := range []struct {
		path, value string
	}{
		{"generator.timeout", c.Generator.Timeout},
		{"execution.timeout", c.Execution.Timeout},
		{"scoring.hook_timeout", c.Scoring.HookTimeout},
		{"store.retention", c.Store.Retention},
	} {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			errs = append(errs, ValidationError{
				Path:     f.path,
				Message:  fmt.Sprintf("invalid duration %q", f.value),
				Severity: "error",
			})
		}
	}

	for name := range c.Generator.Roles {
		if _, ok := knownRoles[name]; !ok {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("generator.roles.%s", name),
				Message:  fmt.Sprintf("unknown role %q", name),
				Severity: "error",
			})
		}
	}

	if c.Scoring.Hook != "" && c.Scoring.HookPath != "" {
		errs = append(errs, ValidationError{
			Path:     "scoring.hook",
			Message:  "hook and hook_path are mutually exclusive",
			Severity: "error",
		})
	}

	if c.Execution.Mode == "sandbox" && c.Execution.Sandbox.Image == "" {
		errs = append(errs, ValidationError{
			Path:     "execution.sandbox.image",
			Message:  "sandbox mode requires a container image",
			Severity: "error",
		})
	}
	if c.Execution.Mode == "remote" {
		for _, f := range []struct {
			path, value string
		}{
			{"execution.remote.host", c.Execution.Remote.Host},
			{"execution.remote.user", c.Execution.Remote.User},
			{"execution.remote.agent_path", c.Execution.Remote.AgentPath},
			{"execution.remote.remote_dir", c.Execution.Remote.RemoteDir},
		} {
			if f.value == "" {
				errs = append(errs, ValidationError{
					Path:     f.path,
					Message:  "required in remote mode",
					Severity: "error",
				})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// convertTagErrors flattens validator tag failures into ValidationErrors.
func convertTagErrors(err error) []ValidationError {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("fails %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("fails %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: "error",
		})
	}
	return out
}

// ScriptPath returns the host path of the per-attempt script.
func (c *Config) ScriptPath() string {
	return filepath.Join(c.WorkDir, c.Execution.ScriptName)
}

// ArtifactPath returns the host path of the result artifact.
func (c *Config) ArtifactPath() string {
	return filepath.Join(c.WorkDir, c.Scoring.Artifact)
}

// GenerateTimeout returns the parsed per-completion timeout.
func (c *Config) GenerateTimeout() time.Duration {
	return parseDuration(c.Generator.Timeout, DefaultGenerateTimeout)
}

// ExecuteTimeout returns the parsed per-execution timeout.
func (c *Config) ExecuteTimeout() time.Duration {
	return parseDuration(c.Execution.Timeout, DefaultExecuteTimeout)
}

// HookTimeout returns the parsed reward hook timeout.
func (c *Config) HookTimeout() time.Duration {
	return parseDuration(c.Scoring.HookTimeout, DefaultHookTimeout)
}

// RetentionPeriod returns the parsed history retention period. Zero means
// keep everything.
func (c *Config) RetentionPeriod() time.Duration {
	return parseDuration(c.Store.Retention, 0)
}

// parseDuration returns def for empty or unparseable input. Validate
// reports unparseable durations, so the fallback only covers callers that
// skipped validation.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ToLoopConfig maps the experiment onto the repair loop.
func (c *Config) ToLoopConfig() engine.LoopConfig {
	return engine.LoopConfig{
		Experiment:     c.Experiment,
		Backend:        c.Backend,
		Seed:           c.Task,
		MaxAttempts:    c.Selection.MaxAttempts,
		Mode:           engine.Mode(c.Mode),
		ScriptPath:     c.ScriptPath(),
		ExecuteTimeout: c.ExecuteTimeout(),
	}
}

// ToWorkflowConfig maps the workflow bounds.
func (c *Config) ToWorkflowConfig() engine.WorkflowConfig {
	return engine.WorkflowConfig{
		MaxRounds:     c.Workflow.MaxRounds,
		MaxFreeRounds: c.Workflow.MaxFreeRounds,
	}
}

// ToGeneratorConfig maps the generator client configuration. Role
// overrides merge field-wise onto the built-in personas, so a profile
// that sets only the temperature keeps the persona prompt.
func (c *Config) ToGeneratorConfig() generators.Config {
	profiles := generators.DefaultProfiles()
	for name, override := range c.Generator.Roles {
		role, ok := knownRoles[name]
		if !ok {
			continue
		}
		p := profiles[role]
		if override.Model != "" {
			p.Model = override.Model
		}
		if override.Temperature != 0 {
			p.Temperature = override.Temperature
		}
		if override.MaxTokens != 0 {
			p.MaxTokens = override.MaxTokens
		}
		if override.SystemPrompt != "" {
			p.SystemPrompt = override.SystemPrompt
		}
		profiles[role] = p
	}

	return generators.Config{
		BaseURL:     c.Generator.BaseURL,
		APIKey:      c.Generator.APIKey,
		Model:       c.Generator.Model,
		Temperature: c.Generator.Temperature,
		MaxTokens:   c.Generator.MaxTokens,
		Profiles:    profiles,
	}
}

// ToScorerConfig maps the scoring configuration, loading the Starlark
// reward hook when one is configured.
func (c *Config) ToScorerConfig() (engine.ScorerConfig, error) {
	cfg := engine.ScorerConfig{
		ArtifactPath: c.ArtifactPath(),
		MetricColumn: c.Scoring.Metric,
		Bands:        c.Scoring.Bands,
		CrashReward:  c.Scoring.CrashReward,
	}

	switch {
	case c.Scoring.Hook != "":
		cfg.Hook = NewRewardHook(c.Scoring.Hook, "inline", c.HookTimeout())
	case c.Scoring.HookPath != "":
		hook, err := LoadRewardHook(c.Scoring.HookPath, c.HookTimeout())
		if err != nil {
			return engine.ScorerConfig{}, err
		}
		cfg.Hook = hook
	}
	return cfg, nil
}

// ToCheckerConfig maps the policy gate configuration.
func (c *Config) ToCheckerConfig() policy.CheckerConfig {
	cfg := policy.CheckerConfig{
		WorkDir:    c.WorkDir,
		Experiment: c.Experiment,
		HotReload:  c.Policy.HotReload,
	}
	if c.Policy.Dir != "" {
		cfg.PolicyPaths = []string{c.Policy.Dir}
	}
	return cfg
}

// ToStoreConfig maps the history store configuration.
func (c *Config) ToStoreConfig() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

// ToTelemetryConfig expands the experiment's telemetry surface onto the
// full telemetry configuration.
func (c *Config) ToTelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if c.Telemetry.LogLevel != "" {
		cfg.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		cfg.Logging.Format = c.Telemetry.LogFormat
	}
	if c.Telemetry.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	}
	if c.Telemetry.Tracing {
		cfg.Tracing.Enabled = true
		if c.Telemetry.OTLPEndpoint != "" {
			cfg.Tracing.Exporter = "otlp"
			cfg.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
		}
	}
	return cfg
}

// ToLocalRunnerConfig maps local execution.
func (c *Config) ToLocalRunnerConfig() runner.LocalConfig {
	return runner.LocalConfig{
		Interpreter:  c.Execution.Interpreter,
		Args:         c.Execution.Args,
		ScriptPath:   c.ScriptPath(),
		WorkDir:      c.WorkDir,
		Env:          c.Execution.Env,
		ArtifactPath: c.ArtifactPath(),
	}
}

// ToSandboxRunnerConfig maps container execution.
func (c *Config) ToSandboxRunnerConfig() runner.SandboxConfig {
	return runner.SandboxConfig{
		Runtime:      c.Execution.Sandbox.Runtime,
		Image:        c.Execution.Sandbox.Image,
		Interpreter:  c.Execution.Interpreter,
		Args:         c.Execution.Args,
		WorkDir:      c.WorkDir,
		ScriptPath:   c.ScriptPath(),
		ArtifactPath: c.ArtifactPath(),
	}
}

// ToRemoteRunnerConfig maps agent-brokered remote execution. The remote
// artifact downloads next to where local execution would have written it.
func (c *Config) ToRemoteRunnerConfig() runner.RemoteConfig {
	return runner.RemoteConfig{
		AgentPath:         c.Execution.Remote.AgentPath,
		RemoteDir:         c.Execution.Remote.RemoteDir,
		Interpreter:       c.Execution.Interpreter,
		Args:              c.Execution.Args,
		ScriptName:        c.Execution.ScriptName,
		ArtifactName:      filepath.Base(c.Scoring.Artifact),
		LocalArtifactPath: c.ArtifactPath(),
	}
}

// ToSSHConfig maps the SSH transport configuration for remote mode. A
// password from the environment switches authentication to password mode.
func (c *Config) ToSSHConfig() *ssh.Config {
	r := c.Execution.Remote
	cfg := ssh.DefaultConfig(r.Host, r.User)
	cfg.Port = r.Port
	if r.KeyPath != "" {
		cfg.PrivateKeyPath = expandHome(r.KeyPath)
	}
	if r.KnownHostsPath != "" {
		cfg.KnownHostsPath = expandHome(r.KnownHostsPath)
	}
	if r.InsecureSkipVerify {
		cfg.StrictHostKeyChecking = false
		cfg.KnownHostsPath = ""
	}
	if r.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = r.Password
	}
	return cfg
}

// expandHome resolves a leading ~ against the current home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
