// Package generators implements the engine's Generator collaborator
// against OpenAI-compatible chat-completions APIs, which covers both
// hosted providers and local servers such as Ollama.
//
// Each role call is pure: the system prompt comes from the role's
// profile, the explicit context entries become the visible history, and
// nothing is retained between calls.
package generators
