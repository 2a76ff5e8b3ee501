package usecase

import "vidbatch/internal/domain"

// SelectEligible narrows tasks to the requested numbers (all tasks when none
// are given) and keeps the ones in an eligible phase, preserving order.
func SelectEligible(tasks []domain.VideoTask, numbers []string) []domain.VideoTask {
	var wanted map[string]bool
	if len(numbers) > 0 {
		wanted = make(map[string]bool, len(numbers))
		for _, n := range numbers {
			wanted[n] = true
		}
	}

	out := make([]domain.VideoTask, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if wanted != nil && !wanted[t.Number] {
			continue
		}
		// later duplicates of a number are unreachable by lookup
		if seen[t.Number] {
			continue
		}
		seen[t.Number] = true
		if t.Status.Eligible() {
			out = append(out, t)
		}
	}
	return out
}
