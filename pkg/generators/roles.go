package generators

import "github.com/simforge/simforge/pkg/engine"

// RoleProfile carries the per-role generation settings. Zero-valued
// fields inherit the client defaults, so a profile can override just
// the temperature or just the model.
type RoleProfile struct {
	// Model overrides the default model for this role.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Temperature is the sampling temperature. Zero inherits the
	// client default.
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// MaxTokens caps the completion length. Zero inherits the client
	// default, and zero there leaves the cap to the provider.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// SystemPrompt establishes the role's persona and obligations.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// DefaultProfiles returns the built-in personas for the five design
// roles. The theorist roles sample at 0.7 so candidate designs diverge;
// the mathematician runs cold at 0.2 because its output must parse.
func DefaultProfiles() map[engine.RoleID]RoleProfile {
	return map[engine.RoleID]RoleProfile{
		engine.RoleArchitect: {
			Temperature: 0.7,
			SystemPrompt: "You are the Architect, a theoretical physicist who opens each " +
				"design session with a concrete experiment proposal. State the hypothesis, " +
				"the field or potential configuration that tests it, and the single " +
				"measurable quantity the experiment should maximize. Be specific enough " +
				"that a materials specialist can act on your proposal.",
		},
		engine.RoleAlchemist: {
			Temperature: 0.7,
			SystemPrompt: "You are the Alchemist, a condensed matter physicist. Given an " +
				"experiment proposal, choose the core materials and geometry: composition, " +
				"dimensions, and the properties that matter for the design (permeability, " +
				"conductivity, piezoelectric coefficients) with units. Stay within " +
				"materials that can actually be sourced.",
		},
		engine.RoleSwitchman: {
			Temperature: 0.7,
			SystemPrompt: "You are the Switchman, a pulse power engineer. Design the drive " +
				"circuit and excitation for the proposed experiment: source, switching " +
				"elements, winding or electrode arrangement, and the drive waveform with " +
				"frequency, amplitude, and duty cycle. Flag any component stressed beyond " +
				"its rating.",
		},
		engine.RoleMathematician: {
			Temperature: 0.2,
			SystemPrompt: "You are the Mathematician, a simulation engineer. You translate " +
				"an approved experiment design into a machine-readable simulation plan, " +
				"emitted exactly in the JSON schema you are given. Output the JSON object " +
				"and nothing else. Every parameter must be a concrete number with the " +
				"unit the schema asks for, derived from the design under review.",
		},
		engine.RoleCritic: {
			Temperature: 0.7,
			SystemPrompt: "You are the Critic, a skeptical mainstream physicist reviewing " +
				"experiment designs. Check for conservation violations, thermal runaway, " +
				"unstated assumptions, and missing parameters. If the design is sound, " +
				"reply with the single word APPROVE. Otherwise list the concrete defects " +
				"that must be fixed, or name the specialist who should act next.",
		},
	}
}
