package engine

import (
	"context"

	"cohortline/internal/config"
)

// Candidate is one recommended transition and how many students it would move.
type Candidate struct {
	From     int  `json:"from"`
	To       int  `json:"to,omitempty"`
	Archive  bool `json:"archive,omitempty"`
	Eligible int  `json:"eligible"`
}

// Preview is the planner's read-only view of the current period.
type Preview struct {
	// Direction is the parity ("odd" or "even") of the stages that move.
	Direction string `json:"direction"`
	// TieBreak is set when odd and even counts were equal and the configured
	// default decided the direction.
	TieBreak      bool        `json:"tie_break"`
	OddActive     int         `json:"odd_active"`
	EvenActive    int         `json:"even_active"`
	ActiveByStage map[int]int `json:"active_by_stage"`
	Candidates    []Candidate `json:"candidates"`
	TotalEligible int         `json:"total_eligible"`
}

// Specs converts the candidates into transition specs with no held-back ids.
func (p Preview) Specs() []TransitionSpec {
	specs := make([]TransitionSpec, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		specs = append(specs, TransitionSpec{From: c.From, To: c.To, Archive: c.Archive})
	}
	return specs
}

// Preview counts active students per stage and recommends the transitions for
// the current period. It never writes.
func (e Engine) Preview(ctx context.Context) (Preview, error) {
	cfg, err := e.config()
	if err != nil {
		return Preview{}, err
	}
	counts, err := e.Repo.CountActiveByStage(ctx, e.DB)
	if err != nil {
		return Preview{}, e.storeFailure(ctx, "count active by stage", err)
	}
	return plan(cfg, counts), nil
}

func plan(cfg *config.Config, counts map[int]int) Preview {
	p := Preview{ActiveByStage: counts}
	for stage, n := range counts {
		if stage%2 == 0 {
			p.EvenActive += n
		} else {
			p.OddActive += n
		}
	}
	switch {
	case p.OddActive > p.EvenActive:
		p.Direction = config.ParityOdd
	case p.EvenActive > p.OddActive:
		p.Direction = config.ParityEven
	default:
		p.Direction = cfg.Direction.TieBreak
		p.TieBreak = true
	}
	wantOdd := p.Direction == config.ParityOdd
	for stage := cfg.Stages.Min; stage <= cfg.Stages.Max; stage++ {
		if (stage%2 == 1) != wantOdd {
			continue
		}
		c := Candidate{From: stage, Eligible: counts[stage]}
		if stage == cfg.Stages.Max {
			c.Archive = true
		} else {
			c.To = stage + 1
		}
		p.Candidates = append(p.Candidates, c)
		p.TotalEligible += c.Eligible
	}
	return p
}
