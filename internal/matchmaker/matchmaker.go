package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/lichess"
	"github.com/park285/lio-bot/internal/obslog"
	"github.com/park285/lio-bot/internal/policy"
	"go.uber.org/zap"
)

// ErrNoOpponent means no online bot satisfied the matchmaking bounds.
var ErrNoOpponent = errors.New("no suitable opponent found")

const defaultRating = 1500

// Remote is the subset of server calls the matchmaker issues.
type Remote interface {
	OnlineBots(ctx context.Context) ([]lichess.AccountInfo, error)
	CreateChallenge(ctx context.Context, opponent string, p lichess.ChallengeParams) (string, error)
}

// Outgoing identifies one issued challenge so the dispatcher can match it
// against later stream events and cancel it when nobody answers.
type Outgoing struct {
	ID       string
	Opponent string
}

// Matchmaker originates one outgoing challenge at a time when the dispatcher
// reports idle capacity. The dispatcher serializes calls; Matchmaker itself
// holds no cross-call state beyond its random source.
type Matchmaker struct {
	cfg      config.MatchmakingConfig
	remote   Remote
	username string

	randMu sync.Mutex
	rand   *rand.Rand
}

func New(cfg config.MatchmakingConfig, remote Remote, username string) *Matchmaker {
	return &Matchmaker{
		cfg:      cfg,
		remote:   remote,
		username: username,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Challenge picks a random configured time control, finds an online bot
// within the rating and experience bounds and challenges it.
func (m *Matchmaker) Challenge(ctx context.Context) (Outgoing, error) {
	if !m.cfg.Enabled {
		return Outgoing{}, nil
	}

	bots, err := m.remote.OnlineBots(ctx)
	if err != nil {
		return Outgoing{}, fmt.Errorf("list online bots: %w", err)
	}

	initial := m.pick(m.cfg.InitialTimes)
	increment := m.pick(m.cfg.Increments)
	perf := m.perfType(initial, increment)

	var me *lichess.AccountInfo
	for i := range bots {
		if bots[i].Username == m.username {
			me = &bots[i]
			break
		}
	}
	ownRating := defaultRating
	if me != nil {
		ownRating = ratingOf(*me, perf)
	}

	m.shuffle(bots)
	for _, bot := range bots {
		if !m.shouldChallenge(bot, perf, ownRating) {
			continue
		}

		ref := uuid.NewString()
		obslog.L().Info("matchmaker_challenge",
			zap.String("ref", ref),
			zap.String("opponent", bot.Username),
			zap.String("perf", perf),
			zap.Int("initial", initial),
			zap.Int("increment", increment),
			zap.Bool("rated", m.cfg.Rated),
		)
		id, err := m.remote.CreateChallenge(ctx, bot.Username, lichess.ChallengeParams{
			Rated:        m.cfg.Rated,
			InitialSec:   initial,
			IncrementSec: increment,
			Variant:      m.cfg.Variant,
		})
		if err != nil {
			return Outgoing{}, fmt.Errorf("challenge %s (ref %s): %w", bot.Username, ref, err)
		}
		return Outgoing{ID: id, Opponent: bot.Username}, nil
	}

	obslog.L().Warn("matchmaker_no_opponent", zap.String("perf", perf))
	return Outgoing{}, ErrNoOpponent
}

func (m *Matchmaker) shouldChallenge(bot lichess.AccountInfo, perf string, ownRating int) bool {
	if bot.Username == m.username {
		return false
	}
	if bot.Disabled || bot.TOSViolation {
		return false
	}
	if diff := abs(ownRating - ratingOf(bot, perf)); diff > m.cfg.MaxRatingDiff {
		return false
	}
	if totalGames(bot) < m.cfg.MinGames {
		return false
	}
	return true
}

// perfType maps the drawn time control to a lichess performance category.
// Nonstandard variants rate under their own category regardless of speed.
func (m *Matchmaker) perfType(initialSec, incrementSec int) string {
	if m.cfg.Variant == "standard" || m.cfg.Variant == "fromPosition" {
		return string(policy.SpeedOf(initialSec, incrementSec))
	}
	return m.cfg.Variant
}

func ratingOf(info lichess.AccountInfo, perf string) int {
	if p, ok := info.Perfs[perf]; ok && p.Rating > 0 {
		return p.Rating
	}
	return defaultRating
}

func totalGames(info lichess.AccountInfo) int {
	total := 0
	for _, p := range info.Perfs {
		total += p.Games
	}
	return total
}

func (m *Matchmaker) pick(values []int) int {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return values[m.rand.Intn(len(values))]
}

func (m *Matchmaker) shuffle(bots []lichess.AccountInfo) {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	m.rand.Shuffle(len(bots), func(i, j int) {
		bots[i], bots[j] = bots[j], bots[i]
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
