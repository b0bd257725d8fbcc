package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/lichess"
	"github.com/park285/lio-bot/internal/matchmaker"
	"github.com/park285/lio-bot/internal/obslog"
	"github.com/park285/lio-bot/internal/policy"
	"github.com/park285/lio-bot/internal/record"
	"github.com/park285/lio-bot/internal/session"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

// Remote is the subset of server calls the dispatcher issues directly.
type Remote interface {
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID, reason string) error
	CancelChallenge(ctx context.Context, challengeID string) error
	AbortGame(ctx context.Context, gameID string) error
}

// SessionRunner runs one complete game session bound to its own stream and
// returns its outcome. The dispatcher never touches session internals.
type SessionRunner func(ctx context.Context, info lichess.GameInfo) session.Outcome

// Challenger originates one outgoing challenge (the matchmaker).
type Challenger interface {
	Challenge(ctx context.Context) (matchmaker.Outgoing, error)
}

type mmResult struct {
	out matchmaker.Outgoing
	err error
}

// Dispatcher consumes the account event stream sequentially, filters
// challenges, starts and reaps sessions under the concurrency cap, and
// drives the matchmaker when idle. It is the sole writer of the budget.
type Dispatcher struct {
	cfg      *config.Config
	remote   Remote
	runGame  SessionRunner
	mm       Challenger
	recorder record.Recorder
	username string
	ratings  map[string]int

	active map[string]context.CancelFunc
	queue  []lichess.ChallengeInfo
	done   chan session.Outcome
	mmDone chan mmResult
	mmBusy bool
	idle   time.Duration

	// the outgoing challenge waiting for an answer, if any
	pendingID       string
	pendingOpponent string
}

func New(cfg *config.Config, remote Remote, runGame SessionRunner, mm Challenger, rec record.Recorder, account *lichess.AccountInfo) *Dispatcher {
	ratings := make(map[string]int, len(account.Perfs))
	for perf, p := range account.Perfs {
		ratings[perf] = p.Rating
	}
	idle := time.Hour
	if cfg.Matchmaking.Enabled {
		idle = time.Duration(cfg.Matchmaking.TimeoutMin) * time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		remote:   remote,
		runGame:  runGame,
		mm:       mm,
		recorder: rec,
		username: account.Username,
		ratings:  ratings,
		active:   make(map[string]context.CancelFunc),
		done:     make(chan session.Outcome),
		mmDone:   make(chan mmResult, 1),
		idle:     idle,
	}
}

// Run processes account events until the stream fails or ctx is cancelled.
// The account stream going away is the one globally fatal condition: all
// sessions are cancelled and drained before returning.
func (d *Dispatcher) Run(ctx context.Context, events <-chan lichess.AccountEvent) error {
	idle := time.NewTimer(d.idle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown(ctx.Err())
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				obslog.L().Error("account_stream_lost")
				d.shutdown(lichess.ErrStreamClosed)
				return lichess.ErrStreamClosed
			}
			d.handle(ctx, ev)

		case out := <-d.done:
			d.reap(ctx, out)
			d.acceptNext(ctx)

		case res := <-d.mmDone:
			d.mmBusy = false
			switch {
			case res.err != nil:
				obslog.L().Warn("matchmaker_attempt", zap.Error(res.err))
			case res.out.ID != "":
				d.pendingID = res.out.ID
				d.pendingOpponent = res.out.Opponent
			}

		case <-idle.C:
			d.expirePending(ctx)
			d.maybeMatchmake(ctx)
			idle.Reset(d.idle)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev lichess.AccountEvent) {
	switch ev := ev.(type) {
	case lichess.EventPing:
		// keepalive only

	case lichess.EventChallenge:
		d.onChallenge(ctx, ev.Challenge)

	case lichess.EventChallengeCanceled:
		d.dropQueued(ev.Challenge.ID)
		if ev.Challenge.ID == d.pendingID {
			d.clearPending()
		}

	case lichess.EventChallengeDeclined:
		obslog.L().Info("outgoing_challenge_declined", zap.String("challenge_id", ev.Challenge.ID))
		if ev.Challenge.ID == d.pendingID {
			d.clearPending()
		}

	case lichess.EventGameStart:
		d.onGameStart(ctx, ev.Game)

	case lichess.EventGameFinish:
		obslog.L().Debug("game_finish_event", zap.String("game_id", ev.Game.GameID))
	}
}

func (d *Dispatcher) onChallenge(ctx context.Context, c lichess.ChallengeInfo) {
	if c.Challenger.Name == d.username {
		return
	}

	decision := policy.Decide(toFilterChallenge(c), d.ownRating(c), d.cfg.Challenge)
	if !decision.Accept {
		obslog.L().Info("challenge_declined",
			zap.String("challenge_id", c.ID),
			zap.String("challenger", c.Challenger.Name),
			zap.String("reason", string(decision.Reason)),
		)
		go func() {
			if err := d.remote.DeclineChallenge(ctx, c.ID, string(decision.Reason)); err != nil {
				obslog.L().Warn("decline_call", zap.String("challenge_id", c.ID), zap.Error(err))
			}
		}()
		return
	}

	obslog.L().Info("challenge_queued",
		zap.String("challenge_id", c.ID),
		zap.String("challenger", c.Challenger.Name),
	)
	d.queue = append(d.queue, c)
	d.acceptNext(ctx)
}

// acceptNext accepts at most one queued challenge when a slot is free.
// Further accepts wait for the next session completion or queue change.
func (d *Dispatcher) acceptNext(ctx context.Context) {
	if len(d.queue) == 0 || !d.underLimit() {
		return
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	go func() {
		if err := d.remote.AcceptChallenge(ctx, next.ID); err != nil {
			obslog.L().Warn("accept_call", zap.String("challenge_id", next.ID), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) dropQueued(challengeID string) {
	for i, c := range d.queue {
		if c.ID == challengeID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			obslog.L().Info("challenge_removed", zap.String("challenge_id", challengeID))
			return
		}
	}
}

func (d *Dispatcher) onGameStart(ctx context.Context, info lichess.GameInfo) {
	// only our own outgoing challenge turning into a game resolves it;
	// an unrelated incoming game leaves the pending challenge in place
	if d.pendingOpponent != "" && strings.EqualFold(info.Opponent.Username, d.pendingOpponent) {
		d.clearPending()
	}

	if _, exists := d.active[info.GameID]; exists {
		return
	}
	if !d.underLimit() {
		// a late acceptance would push us over the cap; abort it
		obslog.L().Warn("game_over_capacity",
			zap.String("game_id", info.GameID),
			zap.Int("active", len(d.active)),
		)
		go func() {
			if err := d.remote.AbortGame(ctx, info.GameID); err != nil {
				obslog.L().Warn("abort_call", zap.String("game_id", info.GameID), zap.Error(err))
			}
		}()
		return
	}

	gameCtx, cancel := context.WithCancel(ctx)
	d.active[info.GameID] = cancel
	obslog.L().Info("game_starting",
		zap.String("game_id", info.GameID),
		zap.String("opponent", info.Opponent.Username),
		zap.Int("active", len(d.active)),
	)
	go func() {
		d.done <- d.runGame(gameCtx, info)
	}()
}

func (d *Dispatcher) reap(ctx context.Context, out session.Outcome) {
	if cancel, ok := d.active[out.GameID]; ok {
		cancel()
		delete(d.active, out.GameID)
	}
	if out.Err != nil {
		obslog.L().Warn("session_error", zap.String("game_id", out.GameID), zap.Error(out.Err))
	}
	obslog.L().Info("game_done",
		zap.String("game_id", out.GameID),
		zap.String("status", out.Status),
		zap.Int("active", len(d.active)),
	)
	if err := d.recorder.Record(ctx, record.Outcome{
		GameID:  out.GameID,
		Status:  out.Status,
		Winner:  out.Winner,
		Aborted: out.State == session.Aborted,
	}); err != nil {
		obslog.L().Warn("outcome_record", zap.String("game_id", out.GameID), zap.Error(err))
	}
}

// expirePending cancels an outgoing challenge nobody answered within one
// idle period so the next matchmaking attempt is not blocked by it.
func (d *Dispatcher) expirePending(ctx context.Context) {
	if d.pendingID == "" {
		return
	}
	id := d.pendingID
	obslog.L().Info("outgoing_challenge_expired",
		zap.String("challenge_id", id),
		zap.String("opponent", d.pendingOpponent),
	)
	d.clearPending()
	go func() {
		if err := d.remote.CancelChallenge(ctx, id); err != nil {
			obslog.L().Warn("cancel_call", zap.String("challenge_id", id), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) clearPending() {
	d.pendingID = ""
	d.pendingOpponent = ""
}

// maybeMatchmake kicks off one matchmaking attempt off the loop when there
// is idle capacity, nothing queued and no outgoing challenge in flight.
func (d *Dispatcher) maybeMatchmake(ctx context.Context) {
	if !d.cfg.Matchmaking.Enabled || d.mmBusy || d.pendingID != "" {
		return
	}
	if !d.underLimit() || len(d.queue) > 0 {
		return
	}
	d.mmBusy = true
	go func() {
		out, err := d.mm.Challenge(ctx)
		d.mmDone <- mmResult{out: out, err: err}
	}()
}

func (d *Dispatcher) shutdown(cause error) {
	obslog.L().Info("dispatcher_shutdown",
		zap.Int("active", len(d.active)),
		zap.NamedError("cause", cause),
	)
	for _, cancel := range d.active {
		cancel()
	}

	deadline := time.After(shutdownGrace)
	for len(d.active) > 0 {
		select {
		case out := <-d.done:
			d.reap(context.Background(), out)
		case <-deadline:
			obslog.L().Warn("shutdown_timeout", zap.Int("abandoned", len(d.active)))
			return
		}
	}
}

func (d *Dispatcher) underLimit() bool {
	return len(d.active) < d.cfg.Concurrency
}

// ownRating picks our rating in the challenge's performance category.
func (d *Dispatcher) ownRating(c lichess.ChallengeInfo) int {
	perf := c.Variant.Key
	if perf == "standard" || perf == "fromPosition" {
		perf = string(policy.SpeedOf(c.TimeControl.Limit, c.TimeControl.Increment))
	}
	if r, ok := d.ratings[perf]; ok && r > 0 {
		return r
	}
	return 1500
}

func toFilterChallenge(c lichess.ChallengeInfo) policy.Challenge {
	return policy.Challenge{
		ID:               c.ID,
		Challenger:       c.Challenger.Name,
		Variant:          c.Variant.Key,
		InitialSec:       c.TimeControl.Limit,
		IncrementSec:     c.TimeControl.Increment,
		HasClock:         c.TimeControl.Type == "clock",
		Rated:            c.Rated,
		ChallengerBot:    c.Challenger.Title == "BOT",
		ChallengerRating: c.Challenger.Rating,
	}
}
