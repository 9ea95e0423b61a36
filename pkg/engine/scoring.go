package engine

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/simforge/simforge/pkg/telemetry"
)

// CrashBand is the band applied when an execution crashed or its metric
// could not be read.
const CrashBand = "crash"

// DefaultCrashReward is the penalty reward for the crash band.
const DefaultCrashReward = -1.0

// Band maps a metric range to a named reward. Bands are evaluated in order;
// the first band whose Min is exceeded wins, so the list runs highest first.
type Band struct {
	// Name is the band name reported in scores and metrics.
	Name string `json:"name" validate:"required"`

	// Min is the exclusive lower bound for the metric.
	Min float64 `json:"min"`

	// Reward is the numeric reward for the band.
	Reward float64 `json:"reward"`
}

// DefaultBands returns the standard reward ladder.
func DefaultBands() []Band {
	return []Band{
		{Name: "high", Min: 1000, Reward: 10.0},
		{Name: "medium", Min: 100, Reward: 5.0},
		{Name: "low", Min: 10, Reward: 1.0},
		{Name: "baseline", Min: -math.MaxFloat64, Reward: 0.1},
	}
}

// ScoreHook can replace the reward of an evaluated score. Hooks are
// advisory: a hook error keeps the band reward.
type ScoreHook interface {
	AdjustReward(band string, reward, metric float64, crashed bool) (float64, error)
}

// ScorerConfig configures outcome evaluation.
type ScorerConfig struct {
	// ArtifactPath is where executions deposit their result artifact.
	ArtifactPath string

	// MetricColumn is the CSV column holding the outcome metric.
	MetricColumn string

	// Bands is the reward ladder, highest first. Empty uses DefaultBands.
	Bands []Band

	// CrashReward is the crash-band reward. Zero means DefaultCrashReward.
	CrashReward float64

	// Hook optionally adjusts rewards after band matching.
	Hook ScoreHook
}

// Scorer turns execution outcomes into banded scores. The metric is read
// from the result artifact: a CSV file with a header row, where the last
// data row's metric column holds the value that counts.
type Scorer struct {
	artifactPath string
	metricColumn string
	bands        []Band
	crashReward  float64
	hook         ScoreHook
	log          *telemetry.Logger
}

// NewScorer creates a scorer from configuration.
func NewScorer(cfg ScorerConfig, tel *telemetry.Telemetry) (*Scorer, error) {
	if cfg.ArtifactPath == "" {
		return nil, NewConfigError("scorer requires an artifact path", nil)
	}
	if cfg.MetricColumn == "" {
		return nil, NewConfigError("scorer requires a metric column name", nil)
	}

	bands := cfg.Bands
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	for i, b := range bands {
		if b.Name == "" {
			return nil, NewConfigError(fmt.Sprintf("score band %d has no name", i), nil)
		}
		if i > 0 && b.Min >= bands[i-1].Min {
			return nil, NewConfigError(fmt.Sprintf("score bands must descend: band %q does not", b.Name), nil)
		}
	}

	crashReward := cfg.CrashReward
	if crashReward == 0 {
		crashReward = DefaultCrashReward
	}

	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Scorer{
		artifactPath: cfg.ArtifactPath,
		metricColumn: cfg.MetricColumn,
		bands:        bands,
		crashReward:  crashReward,
		hook:         cfg.Hook,
		log:          tel.Logger.NewComponentLogger("scorer"),
	}, nil
}

// ArtifactPath returns the configured result artifact location.
func (s *Scorer) ArtifactPath() string { return s.artifactPath }

// CrashScore returns the crash-band score, used both for crashed executions
// and for attempts that never reached execution.
func (s *Scorer) CrashScore() *Score {
	return &Score{Band: CrashBand, Reward: s.crashReward, MetricMissing: true}
}

// Evaluate scores a finished execution. Nonzero exits take the crash band
// directly; zero exits read the metric from the artifact and match it
// against the band ladder. The returned note explains crash-band scores for
// diagnostics, and is empty for clean band matches.
func (s *Scorer) Evaluate(result *ExecutionResult) (*Score, string) {
	if result.ExitCode != 0 {
		score := s.CrashScore()
		score.MetricMissing = false
		return score, ""
	}

	path := result.ArtifactPath
	if path == "" {
		path = s.artifactPath
	}

	metric, err := s.readMetric(path)
	if err != nil {
		s.log.WithError(err).Warn("result artifact unreadable, applying crash penalty")
		return s.CrashScore(), err.Error()
	}

	score := s.matchBand(metric)
	if score == nil {
		// Only NaN escapes every band.
		return s.CrashScore(), fmt.Sprintf("metric %q is not comparable", s.metricColumn)
	}
	return score, ""
}

// matchBand finds the first band the metric exceeds and applies the hook.
func (s *Scorer) matchBand(metric float64) *Score {
	for _, b := range s.bands {
		if metric > b.Min {
			reward := b.Reward
			if s.hook != nil {
				adjusted, err := s.hook.AdjustReward(b.Name, reward, metric, false)
				if err != nil {
					s.log.WithError(err).Warn("score hook failed, keeping band reward")
				} else {
					reward = adjusted
				}
			}
			return &Score{Band: b.Name, Reward: reward, MetricValue: metric}
		}
	}
	return nil
}

// readMetric extracts the last recorded value of the metric column from the
// CSV artifact.
func (s *Scorer) readMetric(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("result artifact missing: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("result artifact unparseable: %w", err)
	}
	if len(rows) < 2 {
		return 0, fmt.Errorf("result artifact has no data rows")
	}

	col := -1
	for i, name := range rows[0] {
		if name == s.metricColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return 0, fmt.Errorf("result artifact has no %q column", s.metricColumn)
	}

	last := rows[len(rows)-1]
	if col >= len(last) {
		return 0, fmt.Errorf("last artifact row has no %q value", s.metricColumn)
	}

	metric, err := strconv.ParseFloat(last[col], 64)
	if err != nil {
		return 0, fmt.Errorf("metric %q is not numeric: %w", s.metricColumn, err)
	}
	return metric, nil
}
