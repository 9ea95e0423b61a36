package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name: "simple arithmetic",
			script: `
result = 2 + 2
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
			wantErr: false,
		},
		{
			name: "use input variables",
			script: `
boosted = reward + 1.5
`,
			input: map[string]interface{}{
				"reward": 5.0,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["boosted"] != 6.5 {
					t.Errorf("expected boosted=6.5, got %v", sr.Output["boosted"])
				}
			},
			wantErr: false,
		},
		{
			name: "helper functions are skipped in output",
			script: `
def scale(x):
    return x * 2.0

result = scale(3.0)
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != 6.0 {
					t.Errorf("expected result=6.0, got %v", sr.Output["result"])
				}
				if _, ok := sr.Output["scale"]; ok {
					t.Error("expected function definitions to be omitted from output")
				}
			},
			wantErr: false,
		},
		{
			name: "underscore globals are skipped",
			script: `
_partial = 10
result = _partial * 2
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(20) {
					t.Errorf("expected result=20, got %v", sr.Output["result"])
				}
				if _, ok := sr.Output["_partial"]; ok {
					t.Error("expected underscore globals to be omitted from output")
				}
			},
			wantErr: false,
		},
		{
			name: "list comprehension",
			script: `
ladder = [i * 2.5 for i in range(1, 5)]
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				ladder, ok := sr.Output["ladder"].([]interface{})
				if !ok {
					t.Fatalf("expected ladder to be a list, got %T", sr.Output["ladder"])
				}
				if len(ladder) != 4 {
					t.Errorf("expected list of length 4, got %d", len(ladder))
				}
				if ladder[0] != 2.5 || ladder[3] != 10.0 {
					t.Errorf("unexpected list values: %v", ladder)
				}
			},
			wantErr: false,
		},
		{
			name: "math module",
			script: `
result = math.floor(math.log(metric, 10))
`,
			input: map[string]interface{}{
				"metric": 1500.0,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].(float64)
				if !ok {
					t.Fatalf("expected result to be float64, got %T", sr.Output["result"])
				}
				if result != 3.0 {
					t.Errorf("expected result=3.0, got %v", result)
				}
			},
			wantErr: false,
		},
		{
			name: "dict output",
			script: `
summary = {"band": band, "kept": True}
`,
			input: map[string]interface{}{
				"band": "high",
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				summary, ok := sr.Output["summary"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected summary to be a dict, got %T", sr.Output["summary"])
				}
				if summary["band"] != "high" {
					t.Errorf("expected band='high', got %v", summary["band"])
				}
				if summary["kept"] != true {
					t.Errorf("expected kept=true, got %v", summary["kept"])
				}
			},
			wantErr: false,
		},
		{
			name: "conditional expression",
			script: `
result = -5.0 if crashed else reward
`,
			input: map[string]interface{}{
				"crashed": true,
				"reward":  10.0,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != -5.0 {
					t.Errorf("expected result=-5.0, got %v", sr.Output["result"])
				}
			},
			wantErr: false,
		},
		{
			name: "syntax error",
			script: `
invalid syntax here
`,
			input:   nil,
			wantErr: true,
		},
		{
			name: "runtime error",
			script: `
result = undefined_variable
`,
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				if err == nil && result.Error == "" {
					t.Errorf("expected error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if result.Error != "" {
					t.Errorf("unexpected result error: %s", result.Error)
				}
				if tt.checkFunc != nil {
					tt.checkFunc(t, result)
				}
				if result.ExecutionTime == 0 {
					t.Error("execution time not recorded")
				}
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	ctx := context.Background()

	script := `
total = 0
for i in range(100000000):
    total = total + i
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Error("expected timeout error")
	}
	if result != nil && result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_TypeConversion(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		input     map[string]interface{}
		script    string
		checkFunc func(*testing.T, *StarlarkResult)
	}{
		{
			name: "bool conversion",
			input: map[string]interface{}{
				"crashed": false,
			},
			script: `
result = not crashed
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != true {
					t.Errorf("expected result=true, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "int conversion",
			input: map[string]interface{}{
				"count": 42,
			},
			script: `
result = count + 8
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(50) {
					t.Errorf("expected result=50, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "float conversion",
			input: map[string]interface{}{
				"metric": 19.5,
			},
			script: `
result = metric * 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].(float64)
				if !ok {
					t.Fatalf("expected result to be float64, got %T", sr.Output["result"])
				}
				if result != 39.0 {
					t.Errorf("expected result=39.0, got %v", result)
				}
			},
		},
		{
			name: "string conversion",
			input: map[string]interface{}{
				"band": "medium",
			},
			script: `
result = band.upper()
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != "MEDIUM" {
					t.Errorf("expected result='MEDIUM', got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "list conversion",
			input: map[string]interface{}{
				"thresholds": []interface{}{1000.0, 100.0, 10.0},
			},
			script: `
result = len(thresholds)
first = thresholds[0]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(3) {
					t.Errorf("expected result=3, got %v", sr.Output["result"])
				}
				if sr.Output["first"] != 1000.0 {
					t.Errorf("expected first=1000.0, got %v", sr.Output["first"])
				}
			},
		},
		{
			name: "map conversion",
			input: map[string]interface{}{
				"rewards": map[string]interface{}{"high": 10.0, "low": 1.0},
			},
			script: `
result = rewards["high"]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != 10.0 {
					t.Errorf("expected result=10.0, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:  "none conversion",
			input: map[string]interface{}{"extra": nil},
			script: `
result = extra == None
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != true {
					t.Errorf("expected result=true, got %v", sr.Output["result"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}
