package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/engine"
	"github.com/park285/lio-bot/internal/lichess"
	"github.com/park285/lio-bot/internal/obslog"
	"github.com/park285/lio-bot/internal/policy"
	"go.uber.org/zap"
)

// State is the lifecycle phase of one game session.
type State int

const (
	Created State = iota
	Setup
	AwaitingTurn
	Thinking
	MoveSent
	GameOver
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Setup:
		return "setup"
	case AwaitingTurn:
		return "awaiting_turn"
	case Thinking:
		return "thinking"
	case MoveSent:
		return "move_sent"
	case GameOver:
		return "game_over"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

const (
	firstMovesBudgetMs = 10_000
	moveSendAttempts   = 5
	scoreWindowCap     = 64
	quitTimeout        = 3 * time.Second
)

// Engine is the session's view of its owned engine subprocess.
type Engine interface {
	Configure(ctx context.Context, options map[string]string, ponder bool) error
	NewGame(ctx context.Context) error
	Search(ctx context.Context, pos engine.Position, lim engine.Limits) (engine.Result, error)
	Quit(ctx context.Context) error
}

// EngineFactory spawns a fresh engine process. One per session, never shared.
type EngineFactory func(ctx context.Context) (Engine, error)

// Remote is the subset of server calls a session issues.
type Remote interface {
	MakeMove(ctx context.Context, gameID, move string, offerDraw bool) error
	ResignGame(ctx context.Context, gameID string) error
	AbortGame(ctx context.Context, gameID string) error
	HandleDrawOffer(ctx context.Context, gameID string, accept bool) error
}

// Books picks an opening move, or reports that the book has none.
type Books interface {
	Pick(fen string, moves []string, variant string, fullmoveNumber int) (string, bool)
}

// Outcome is reported to the dispatcher when the session terminates.
type Outcome struct {
	GameID string
	State  State // GameOver or Aborted
	Status string
	Winner string
	Err    error
}

// Session drives one game: it owns one engine process, consumes one game
// event stream and reacts to each event fully before taking the next.
type Session struct {
	cfg    *config.Config
	remote Remote
	books  Books
	newEng EngineFactory

	gameID     string
	color      string // "white" or "black"
	opponent   string
	variant    string
	initialFEN string

	state   State
	status  string
	winner  string
	moves   []string
	wtimeMs int64
	btimeMs int64
	wincMs  int64
	bincMs  int64
	scores  []int

	eng Engine
	log *zap.Logger
}

// New builds a session for the game described by the gameStart event.
func New(cfg *config.Config, remote Remote, books Books, newEng EngineFactory, info lichess.GameInfo) *Session {
	return &Session{
		cfg:        cfg,
		remote:     remote,
		books:      books,
		newEng:     newEng,
		gameID:     info.GameID,
		color:      info.Color,
		opponent:   info.Opponent.Username,
		variant:    info.Variant.Key,
		initialFEN: info.FEN,
		state:      Created,
		status:     "created",
		log:        obslog.L().With(zap.String("game_id", info.GameID)),
	}
}

// Run consumes the game event stream until the game terminates and returns
// the final outcome. The engine process is shut down on every exit path.
func (s *Session) Run(ctx context.Context, events <-chan lichess.GameEvent) Outcome {
	if err := s.setupEngine(ctx); err != nil {
		s.log.Error("session_engine_setup", zap.Error(err))
		return s.finish(Aborted, err)
	}
	defer func() {
		quitCtx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		if err := s.eng.Quit(quitCtx); err != nil {
			s.log.Warn("engine_quit", zap.Error(err))
		}
	}()

	s.state = Setup
	abortAfter := time.Duration(s.cfg.AbortTimeSec) * time.Second
	abortTimer := time.NewTimer(abortAfter)
	defer abortTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.finish(Aborted, ctx.Err())

		case <-abortTimer.C:
			if s.abortEligible() {
				s.log.Info("session_abort_inactivity",
					zap.Duration("abort_time", abortAfter))
				if err := s.remote.AbortGame(ctx, s.gameID); err != nil {
					s.log.Warn("abort_call", zap.Error(err))
				}
				s.status = "aborted"
				return s.finish(Aborted, nil)
			}
			if len(s.moves) < 2 {
				abortTimer.Reset(abortAfter)
			}

		case ev, ok := <-events:
			if !ok {
				// stream is gone; the game is over as far as we can tell
				if !s.isOver() {
					s.status = "unknownFinish"
				}
				return s.finish(GameOver, nil)
			}
			if done := s.handle(ctx, ev); done {
				return s.finish(s.state, nil)
			}
		}
	}
}

func (s *Session) setupEngine(ctx context.Context) error {
	eng, err := s.newEng(ctx)
	if err != nil {
		return fmt.Errorf("spawn engine: %w", err)
	}
	s.eng = eng
	if err := eng.Configure(ctx, s.cfg.Engine.UCIOptions, s.cfg.Engine.Ponder); err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := eng.NewGame(ctx); err != nil {
		return fmt.Errorf("prime engine: %w", err)
	}
	return nil
}

// handle reacts to one stream event. It returns true when the session reached
// a terminal state.
func (s *Session) handle(ctx context.Context, ev lichess.GameEvent) bool {
	switch ev := ev.(type) {
	case lichess.GameFull:
		if ev.InitialFEN != "" {
			s.initialFEN = ev.InitialFEN
		}
		if ev.Variant.Key != "" {
			s.variant = ev.Variant.Key
		}
		s.applyState(ev.State)
		if s.isOver() {
			s.logResult()
			s.state = GameOver
			return true
		}
		s.state = AwaitingTurn
		if s.isOurTurn() {
			return s.makeMove(ctx)
		}
		return false

	case lichess.GameState:
		updated := s.applyState(ev.StateUpdate)
		if s.isOver() {
			s.logResult()
			s.state = GameOver
			return true
		}
		if s.opponentOffersDraw(ev.StateUpdate) {
			s.answerDrawOffer(ctx)
		}
		if updated && s.isOurTurn() {
			return s.makeMove(ctx)
		}
		return false

	case lichess.ChatLine:
		s.log.Debug("chat_line", zap.String("from", ev.Username), zap.String("text", ev.Text))
		return false

	case lichess.OpponentGone:
		if ev.Gone {
			s.log.Info("opponent_gone", zap.Int("claim_win_in", ev.ClaimWinInSeconds))
		}
		return false

	case lichess.GamePing:
		return false

	default:
		s.log.Warn("unhandled_game_event", zap.String("type", fmt.Sprintf("%T", ev)))
		return false
	}
}

// applyState folds a server state update into the session. Returns true when
// the move list grew; stale updates only refresh clocks and status.
func (s *Session) applyState(u lichess.StateUpdate) bool {
	s.status = u.Status
	s.winner = u.Winner
	s.wtimeMs, s.btimeMs = u.WTimeMs, u.BTimeMs
	s.wincMs, s.bincMs = u.WIncMs, u.BIncMs

	moves := strings.Fields(u.Moves)
	if len(moves) <= len(s.moves) {
		return false
	}
	s.moves = moves
	return true
}

// makeMove performs the Thinking and MoveSent phases for the current position.
func (s *Session) makeMove(ctx context.Context) bool {
	s.state = Thinking

	move, fromBook := s.bookMove()
	offerDraw := false
	if !fromBook {
		result, err := s.searchMove(ctx)
		if err != nil {
			s.log.Error("engine_search", zap.Error(err))
			s.abort(ctx, err)
			return true
		}
		move = result.Move
		s.recordScore(result.ScoreCP)

		if policy.ShouldResign(s.scores, s.cfg.Resign) {
			s.log.Info("session_resign", zap.Ints("scores", s.tailScores(s.cfg.Resign.Moves)))
			if err := s.remote.ResignGame(ctx, s.gameID); err != nil {
				s.log.Warn("resign_call", zap.Error(err))
			}
			s.status = "resign"
			s.winner = opponentColor(s.color)
			s.state = GameOver
			return true
		}
		offerDraw = policy.ShouldDraw(s.scores, s.fullmoveNumber(), s.cfg.Draw)
	}

	s.state = MoveSent
	return s.sendMove(ctx, move, offerDraw, fromBook)
}

func (s *Session) bookMove() (string, bool) {
	if s.books == nil {
		return "", false
	}
	move, ok := s.books.Pick(s.initialFEN, s.moves, s.variant, s.fullmoveNumber())
	if ok {
		s.log.Info("book_move",
			zap.String("move", move),
			zap.Int("fullmove", s.fullmoveNumber()),
		)
	}
	return move, ok
}

// searchLimits bounds the next search. The opening moves always get a fixed
// movetime so a long setup cannot burn the whole clock; after that either the
// clock policy computes a budget or, with own_clock, the engine gets the raw
// clocks and paces itself.
func (s *Session) searchLimits() engine.Limits {
	if len(s.moves) < 2 {
		return engine.Limits{BudgetMs: firstMovesBudgetMs}
	}
	if s.cfg.Engine.OwnClock {
		return engine.Limits{
			WTimeMs: s.wtimeMs,
			BTimeMs: s.btimeMs,
			WIncMs:  s.wincMs,
			BIncMs:  s.bincMs,
		}
	}
	remaining, increment := s.ourClock()
	return engine.Limits{BudgetMs: policy.SearchBudget(remaining, increment, int64(s.cfg.MoveOverheadMs), len(s.moves))}
}

func (s *Session) searchMove(ctx context.Context) (engine.Result, error) {
	lim := s.searchLimits()

	started := time.Now()
	result, err := s.eng.Search(ctx, engine.Position{FEN: s.initialFEN, Moves: s.moves}, lim)
	if err != nil {
		return engine.Result{}, err
	}

	s.log.Info("engine_move",
		zap.String("move", result.Move),
		zap.Int("score_cp", result.ScoreCP),
		zap.Int("depth", result.Depth),
		zap.Int64("budget_ms", lim.BudgetMs),
		zap.Duration("took", time.Since(started)),
	)
	return result, nil
}

// sendMove pushes the chosen move with bounded retries. Transient failures
// back off and retry; exhaustion aborts the session. A permanent rejection
// means the server knows better (game probably just ended): log and wait for
// the stream to say so.
func (s *Session) sendMove(ctx context.Context, move string, offerDraw, fromBook bool) bool {
	if offerDraw {
		s.log.Info("session_draw_offer", zap.Ints("scores", s.tailScores(s.cfg.Draw.Moves)))
	}

	var lastErr error
	for attempt := 1; attempt <= moveSendAttempts; attempt++ {
		err := s.remote.MakeMove(ctx, s.gameID, move, offerDraw)
		if err == nil {
			s.log.Debug("move_sent", zap.String("move", move), zap.Bool("book", fromBook))
			s.state = AwaitingTurn
			return false
		}
		if errors.Is(err, lichess.ErrPermanent) {
			s.log.Warn("move_rejected", zap.String("move", move), zap.Error(err))
			s.state = AwaitingTurn
			return false
		}
		lastErr = err
		s.log.Warn("move_send_retry",
			zap.String("move", move),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if sleepErr := sleepWithContext(ctx, retryBackoff(attempt)); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	s.abort(ctx, lastErr)
	return true
}

// answerDrawOffer accepts the opponent's draw offer iff our own draw
// condition holds; otherwise it declines.
func (s *Session) answerDrawOffer(ctx context.Context) {
	accept := policy.ShouldDraw(s.scores, s.fullmoveNumber(), s.cfg.Draw)
	s.log.Info("draw_offer_received", zap.Bool("accept", accept))
	if err := s.remote.HandleDrawOffer(ctx, s.gameID, accept); err != nil {
		s.log.Warn("draw_offer_answer", zap.Error(err))
	}
}

func (s *Session) abort(ctx context.Context, cause error) {
	if err := s.remote.AbortGame(ctx, s.gameID); err != nil {
		s.log.Warn("abort_call", zap.Error(err))
	}
	s.status = "aborted"
	s.state = Aborted
	if cause != nil {
		s.log.Warn("session_aborted", zap.Error(cause))
	}
}

func (s *Session) finish(state State, err error) Outcome {
	s.state = state
	return Outcome{
		GameID: s.gameID,
		State:  state,
		Status: s.status,
		Winner: s.winner,
		Err:    err,
	}
}

func (s *Session) recordScore(cp int) {
	s.scores = append(s.scores, cp)
	if len(s.scores) > scoreWindowCap {
		s.scores = s.scores[len(s.scores)-scoreWindowCap:]
	}
}

func (s *Session) tailScores(n int) []int {
	if n <= 0 || n > len(s.scores) {
		n = len(s.scores)
	}
	return s.scores[len(s.scores)-n:]
}

func (s *Session) ourClock() (remainingMs, incrementMs int64) {
	if s.color == "white" {
		return s.wtimeMs, s.wincMs
	}
	return s.btimeMs, s.bincMs
}

func (s *Session) opponentOffersDraw(u lichess.StateUpdate) bool {
	if s.color == "white" {
		return u.BDraw
	}
	return u.WDraw
}

func (s *Session) isOurTurn() bool {
	return sideToMove(s.initialFEN, len(s.moves)) == s.color
}

func (s *Session) isOver() bool {
	return s.status != "created" && s.status != "started"
}

func (s *Session) abortEligible() bool {
	return (s.state == Setup || s.state == AwaitingTurn) && len(s.moves) < 2 && !s.isOurTurn()
}

func (s *Session) fullmoveNumber() int {
	return len(s.moves)/2 + 1
}

func (s *Session) logResult() {
	s.log.Info("game_result",
		zap.String("status", s.status),
		zap.String("winner", s.winner),
		zap.String("opponent", s.opponent),
		zap.Int("moves", len(s.moves)),
	)
}

// sideToMove derives whose turn it is from the starting position and the
// number of moves played. Works for startpos and fromPosition games alike.
func sideToMove(initialFEN string, movesPlayed int) string {
	start := "white"
	if fields := strings.Fields(initialFEN); len(fields) >= 2 && fields[1] == "b" {
		start = "black"
	}
	if movesPlayed%2 == 0 {
		return start
	}
	return opponentColor(start)
}

func opponentColor(color string) string {
	if color == "white" {
		return "black"
	}
	return "white"
}

func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
