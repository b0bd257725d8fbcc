package policy

import "github.com/park285/lio-bot/internal/config"

// MinBudgetMs is the floor applied to every computed search budget.
const MinBudgetMs = 50

// SearchBudget allocates thinking time for one move from the remaining clock.
// A fraction of the remaining time plus most of the increment, minus the
// configured move overhead. Monotonic in remainingMs and never below MinBudgetMs.
func SearchBudget(remainingMs, incrementMs, overheadMs int64, movesPlayed int) int64 {
	divisor := int64(40 - movesPlayed/2)
	if divisor < 20 {
		divisor = 20
	}

	budget := remainingMs/divisor + (incrementMs*8)/10 - overheadMs

	// Never commit more than half the remaining clock to a single search.
	if cap := remainingMs / 2; budget > cap {
		budget = cap
	}
	if budget < MinBudgetMs {
		budget = MinBudgetMs
	}
	return budget
}

// ShouldDraw reports whether the last cfg.Moves scores (our perspective,
// centipawns) all sit within ±cfg.Score. Games shorter than cfg.MinGameLength
// full moves never qualify.
func ShouldDraw(scores []int, fullmoveNumber int, cfg config.StreakConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if fullmoveNumber < cfg.MinGameLength {
		return false
	}
	if len(scores) < cfg.Moves {
		return false
	}
	for _, s := range scores[len(scores)-cfg.Moves:] {
		if abs(s) > cfg.Score {
			return false
		}
	}
	return true
}

// ShouldResign reports whether the last cfg.Moves scores (our perspective)
// are all at or below cfg.Score, which is expected to be negative.
func ShouldResign(scores []int, cfg config.StreakConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if len(scores) < cfg.Moves {
		return false
	}
	for _, s := range scores[len(scores)-cfg.Moves:] {
		if s > cfg.Score {
			return false
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
