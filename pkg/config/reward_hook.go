package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/simforge/simforge/pkg/engine"
)

// RewardHook adapts a Starlark script to the scorer's hook interface.
//
// The script runs once per evaluated attempt with four predeclared
// globals: band (string), reward (float), metric (float), and crashed
// (bool). It reports its replacement by assigning result:
//
//	result = reward * 2.0 if band == "high" else reward
//
// The math module is available for shaping, e.g. math.log(metric).
// Hooks are advisory: when the hook errors, the scorer keeps the band
// reward.
type RewardHook struct {
	eval   *StarlarkEvaluator
	source string
	name   string
}

var _ engine.ScoreHook = (*RewardHook)(nil)

// NewRewardHook creates a hook from inline Starlark source. The name
// identifies the hook in error messages.
func NewRewardHook(source, name string, timeout time.Duration) *RewardHook {
	return &RewardHook{
		eval:   NewStarlarkEvaluator(timeout),
		source: source,
		name:   name,
	}
}

// LoadRewardHook reads hook source from a file.
func LoadRewardHook(path string, timeout time.Duration) (*RewardHook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reward hook %s: %w", path, err)
	}
	return NewRewardHook(string(data), path, timeout), nil
}

// AdjustReward implements engine.ScoreHook. The evaluator bounds the
// script's runtime; the scorer interface carries no context.
func (h *RewardHook) AdjustReward(band string, reward, metric float64, crashed bool) (float64, error) {
	input := map[string]interface{}{
		"band":    band,
		"reward":  reward,
		"metric":  metric,
		"crashed": crashed,
	}

	result, err := h.eval.Evaluate(context.Background(), h.source, input)
	if err != nil {
		return reward, fmt.Errorf("reward hook %s: %w", h.name, err)
	}

	out, ok := result.Output["result"]
	if !ok {
		return reward, fmt.Errorf("reward hook %s did not assign result", h.name)
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return reward, fmt.Errorf("reward hook %s assigned %T to result, want a number", h.name, out)
	}
}
