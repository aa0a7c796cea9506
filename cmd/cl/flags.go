package main

import (
	"fmt"
	"strconv"
	"strings"

	"cohortline/internal/engine"
)

// parseTransitions reads FROM:TO or FROM:archive values.
func parseTransitions(values []string) ([]engine.TransitionSpec, error) {
	specs := make([]engine.TransitionSpec, 0, len(values))
	for _, v := range values {
		from, to, ok := strings.Cut(strings.TrimSpace(v), ":")
		if !ok {
			return nil, fmt.Errorf("invalid transition %q: want FROM:TO or FROM:archive", v)
		}
		f, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("invalid transition %q: %w", v, err)
		}
		spec := engine.TransitionSpec{From: f}
		to = strings.TrimSpace(to)
		if strings.EqualFold(to, "archive") {
			spec.Archive = true
		} else if spec.To, err = strconv.Atoi(to); err != nil {
			return nil, fmt.Errorf("invalid transition %q: %w", v, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// applyHolds attaches FROM=id1,id2 values to the transition leaving FROM.
func applyHolds(specs []engine.TransitionSpec, values []string) error {
	for _, v := range values {
		from, ids, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("invalid hold %q: want FROM=id1,id2", v)
		}
		f, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return fmt.Errorf("invalid hold %q: %w", v, err)
		}
		idx := -1
		for i := range specs {
			if specs[i].From == f {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("hold %q names stage %d but no transition leaves it", v, f)
		}
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				specs[idx].HeldBack = append(specs[idx].HeldBack, id)
			}
		}
	}
	return nil
}
