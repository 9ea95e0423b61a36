package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/simforge/simforge/pkg/telemetry"
)

// Candidate drop reasons, used as metric labels and log fields.
const (
	DropReasonGenerateError = "generate_error"
	DropReasonNoBlock       = "no_block"
	DropReasonParseError    = "parse_error"
)

// Selection is the outcome of one best-of-K sampling round.
type Selection struct {
	// Chosen is the winning candidate.
	Chosen *Candidate

	// Candidates are all K candidates in generation order, including
	// dropped ones.
	Candidates []*Candidate

	// ArbiterResponse is the raw arbitration text, when arbitration ran.
	ArbiterResponse string

	// FellBack reports that arbitration could not produce a usable index
	// and the first valid candidate was chosen.
	FellBack bool
}

// Selector implements best-of-K candidate sampling: K independent
// generation calls, structural validation of each response, and arbitration
// between the survivors.
type Selector struct {
	generator Generator
	arbiter   Arbiter
	k         int
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
}

// NewSelector creates a candidate selector. The arbiter may be nil only
// when k is 1, since a single candidate never needs arbitration.
func NewSelector(generator Generator, arbiter Arbiter, k int, tel *telemetry.Telemetry) (*Selector, error) {
	if generator == nil {
		return nil, NewConfigError("selector requires a generator", nil)
	}
	if k < 1 {
		return nil, NewConfigError(fmt.Sprintf("candidate count must be at least 1, got %d", k), nil)
	}
	if arbiter == nil && k > 1 {
		return nil, NewConfigError("selector requires an arbiter when sampling more than one candidate", nil)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Selector{
		generator: generator,
		arbiter:   arbiter,
		k:         k,
		tel:       tel,
		log:       tel.Logger.NewComponentLogger("selector"),
	}, nil
}

// K returns the configured candidate count.
func (s *Selector) K() int { return s.k }

// Select runs one sampling round. It always issues exactly K generation
// calls: early successes do not short-circuit later calls, so every round
// pays the same generation cost and arbitration sees the full field.
//
// Responses that fail extraction, decoding, or validation are dropped.
// When no candidate survives, Select fails with a candidate-exhaustion
// error; when every call failed at the transport level the error is
// retryable instead, since nothing was ever sampled.
func (s *Selector) Select(ctx context.Context, role RoleID, prompt string, history []ContextEntry) (*Selection, error) {
	candidates := make([]*Candidate, 0, s.k)
	valid := make([]*Candidate, 0, s.k)

	var lastCallErr error
	failedCalls := 0

	for i := 0; i < s.k; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw string
		err := telemetry.RecordGeneratorOperation(ctx, string(role), func(ctx context.Context) error {
			var genErr error
			raw, genErr = s.generator.Generate(ctx, &GenerateRequest{
				Role:    role,
				Prompt:  prompt,
				Context: history,
			})
			return genErr
		})
		if err != nil {
			failedCalls++
			lastCallErr = err
			s.log.WithAttempt(i).WithError(err).Warn("generation call failed")
			s.tel.Metrics.RecordCandidateDropped(DropReasonGenerateError)
			candidates = append(candidates, &Candidate{Index: i, Err: err})
			continue
		}

		c := s.buildCandidate(i, raw)
		candidates = append(candidates, c)
		if c.Valid {
			valid = append(valid, c)
		}
	}

	if len(valid) == 0 {
		if failedCalls == s.k && lastCallErr != nil {
			return nil, NewRetryableError("every generation call failed", lastCallErr)
		}
		return nil, NewNoValidCandidateError(s.k)
	}

	sel := &Selection{Candidates: candidates}

	if len(valid) == 1 {
		sel.Chosen = valid[0]
		return sel, nil
	}

	sel.Chosen = s.arbitrate(ctx, valid, sel)
	return sel, nil
}

// buildCandidate extracts and decodes one generator response.
func (s *Selector) buildCandidate(index int, raw string) *Candidate {
	c := &Candidate{Index: index, Raw: raw}

	block, ok := ExtractBlock(raw)
	if !ok {
		c.Err = NewParseError("response contains no structured block", nil)
		s.log.WithAttempt(index).Warn("candidate dropped: no structured block")
		s.tel.Metrics.RecordCandidateDropped(DropReasonNoBlock)
		return c
	}
	c.Block = block

	plan, err := ParsePlan([]byte(block))
	if err != nil {
		c.Err = err
		s.log.WithAttempt(index).WithError(err).Warn("candidate dropped: plan rejected")
		s.tel.Metrics.RecordCandidateDropped(DropReasonParseError)
		return c
	}

	c.Plan = plan
	c.Valid = true
	return c
}

// arbitrate asks the arbiter to pick between valid candidates. Arbitration
// is advisory: any failure to produce a usable index falls back to the
// first valid candidate rather than failing the round.
func (s *Selector) arbitrate(ctx context.Context, valid []*Candidate, sel *Selection) *Candidate {
	raw, err := s.arbiter.Arbitrate(ctx, valid)
	if err != nil {
		s.log.WithError(err).Warn("arbitration failed, falling back to first valid candidate")
		s.tel.Metrics.RecordArbitrationFallback()
		sel.FellBack = true
		return valid[0]
	}
	sel.ArbiterResponse = raw

	idx, ok := parseArbiterIndex(raw, len(valid))
	if !ok {
		s.log.Warnf("arbiter response %q has no usable index, falling back to first valid candidate", truncate(raw, 120))
		s.tel.Metrics.RecordArbitrationFallback()
		sel.FellBack = true
		return valid[0]
	}

	s.log.Debugf("arbiter selected candidate %d of %d", idx, len(valid))
	return valid[idx]
}

// parseArbiterIndex finds the first unsigned integer in the arbiter's
// response and checks it against the candidate range.
func parseArbiterIndex(raw string, n int) (int, bool) {
	start := -1
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}

	end := start
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}

	idx, err := strconv.Atoi(raw[start:end])
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GeneratorArbiter arbitrates by asking a review role to pick the best
// candidate from an enumerated list.
type GeneratorArbiter struct {
	generator Generator
	role      RoleID
}

// NewGeneratorArbiter creates an arbiter backed by the given generator.
// An empty role defaults to the critic.
func NewGeneratorArbiter(generator Generator, role RoleID) *GeneratorArbiter {
	if role == "" {
		role = RoleCritic
	}
	return &GeneratorArbiter{generator: generator, role: role}
}

// Arbitrate implements Arbiter.
func (a *GeneratorArbiter) Arbitrate(ctx context.Context, candidates []*Candidate) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing %d candidate simulation plans for the same task.\n\n", len(candidates))
	for i, c := range candidates {
		fmt.Fprintf(&b, "Candidate %d:\n%s\n\n", i, c.Block)
	}
	fmt.Fprintf(&b, "Judge physical soundness and completeness. Reply with only the integer index (0-%d) of the best plan.", len(candidates)-1)

	return a.generator.Generate(ctx, &GenerateRequest{
		Role:   a.role,
		Prompt: b.String(),
	})
}
