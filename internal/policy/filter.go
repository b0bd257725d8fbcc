package policy

import "github.com/park285/lio-bot/internal/config"

// DeclineReason is the reason code sent back with a declined challenge.
// Values are the lichess API decline reasons.
type DeclineReason string

const (
	DeclineGeneric     DeclineReason = "generic"
	DeclineLater       DeclineReason = "later"
	DeclineTooFast     DeclineReason = "tooFast"
	DeclineTooSlow     DeclineReason = "tooSlow"
	DeclineTimeControl DeclineReason = "timeControl"
	DeclineRated       DeclineReason = "rated"
	DeclineCasual      DeclineReason = "casual"
	DeclineStandard    DeclineReason = "standard"
	DeclineVariant     DeclineReason = "variant"
	DeclineNoBot       DeclineReason = "noBot"
	DeclineOnlyBot     DeclineReason = "onlyBot"
)

// Speed is the time-control class of a game.
type Speed string

const (
	SpeedBullet         Speed = "bullet"
	SpeedBlitz          Speed = "blitz"
	SpeedRapid          Speed = "rapid"
	SpeedClassical      Speed = "classical"
	SpeedCorrespondence Speed = "correspondence"
)

// SpeedOf classifies a standard time control using the lichess estimate of
// total game duration: initial + 40 * increment seconds.
func SpeedOf(initialSec, incrementSec int) Speed {
	duration := initialSec + 40*incrementSec
	switch {
	case duration < 179:
		return SpeedBullet
	case duration < 479:
		return SpeedBlitz
	case duration < 1499:
		return SpeedRapid
	default:
		return SpeedClassical
	}
}

// Challenge is the subset of an incoming challenge the filter decides on.
type Challenge struct {
	ID               string
	Challenger       string
	Variant          string
	InitialSec       int
	IncrementSec     int
	HasClock         bool // false for correspondence/unlimited challenges
	Rated            bool
	ChallengerBot    bool
	ChallengerRating int
}

// Decision is the outcome of filtering one challenge. Reason is only set
// when Accept is false and is informational (logged, sent to the server).
type Decision struct {
	Accept bool
	Reason DeclineReason
}

func accept() Decision                 { return Decision{Accept: true} }
func decline(r DeclineReason) Decision { return Decision{Accept: false, Reason: r} }

// Decide applies the configured acceptance predicates in order, short-circuiting
// on the first failure. Identical inputs always yield identical decisions.
func Decide(c Challenge, ownRating int, cfg config.ChallengeConfig) Decision {
	if !cfg.Enabled {
		return decline(DeclineGeneric)
	}

	if !contains(cfg.Variants, c.Variant) {
		return decline(DeclineVariant)
	}

	speed := SpeedCorrespondence
	if c.HasClock {
		speed = SpeedOf(c.InitialSec, c.IncrementSec)
	}
	if !contains(cfg.TimeControls, string(speed)) {
		return decline(DeclineTimeControl)
	}

	if c.HasClock {
		if c.IncrementSec < cfg.MinIncrement {
			return decline(DeclineTooFast)
		}
		if c.IncrementSec > cfg.MaxIncrement {
			return decline(DeclineTooSlow)
		}
		if c.InitialSec < cfg.MinInitial {
			return decline(DeclineTooFast)
		}
		if c.InitialSec > cfg.MaxInitial {
			return decline(DeclineTooSlow)
		}
	}

	mode := "casual"
	if c.Rated {
		mode = "rated"
	}
	if !contains(cfg.Modes, mode) {
		if c.Rated {
			return decline(DeclineCasual)
		}
		return decline(DeclineRated)
	}

	class := "human"
	if c.ChallengerBot {
		class = "bot"
	}
	if !contains(cfg.Opponents, class) {
		if c.ChallengerBot {
			return decline(DeclineNoBot)
		}
		return decline(DeclineOnlyBot)
	}

	if maxDiff, ok := cfg.MaxRatingDiffs[class]; ok {
		if diff := abs(ownRating - c.ChallengerRating); diff > maxDiff {
			return decline(DeclineGeneric)
		}
	}

	return accept()
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
