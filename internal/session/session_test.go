package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/engine"
	"github.com/park285/lio-bot/internal/lichess"
)

type fakeEngine struct {
	mu       sync.Mutex
	searches []engine.Position
	limits   []engine.Limits
	results  []engine.Result
	quits    int
}

func (f *fakeEngine) Configure(ctx context.Context, options map[string]string, ponder bool) error {
	return nil
}
func (f *fakeEngine) NewGame(ctx context.Context) error { return nil }

func (f *fakeEngine) Search(ctx context.Context, pos engine.Position, lim engine.Limits) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, pos)
	f.limits = append(f.limits, lim)
	if len(f.results) == 0 {
		return engine.Result{Move: "a2a3", ScoreCP: 0, Depth: 1}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeEngine) Quit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
	return nil
}

func (f *fakeEngine) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *fakeEngine) limitsSeen() []engine.Limits {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Limits(nil), f.limits...)
}

type remoteCall struct {
	kind      string // "move", "resign", "abort", "draw"
	move      string
	offerDraw bool
	accept    bool
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	moveErr []error // consumed per MakeMove call
}

func (f *fakeRemote) MakeMove(ctx context.Context, gameID, move string, offerDraw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{kind: "move", move: move, offerDraw: offerDraw})
	if len(f.moveErr) > 0 {
		err := f.moveErr[0]
		f.moveErr = f.moveErr[1:]
		return err
	}
	return nil
}

func (f *fakeRemote) ResignGame(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{kind: "resign"})
	return nil
}

func (f *fakeRemote) AbortGame(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{kind: "abort"})
	return nil
}

func (f *fakeRemote) HandleDrawOffer(ctx context.Context, gameID string, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{kind: "draw", accept: accept})
	return nil
}

func (f *fakeRemote) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeRemote) movesSent() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, c := range f.calls {
		if c.kind == "move" {
			out = append(out, c)
		}
	}
	return out
}

type fakeBook struct {
	move  string
	depth int // only answer while fullmove <= depth
}

func (f *fakeBook) Pick(fen string, moves []string, variant string, fullmoveNumber int) (string, bool) {
	if f == nil || f.move == "" || fullmoveNumber > f.depth {
		return "", false
	}
	return f.move, true
}

func testConfig() *config.Config {
	return &config.Config{
		Concurrency:    1,
		AbortTimeSec:   30,
		MoveOverheadMs: 100,
		Engine:         config.EngineConfig{Path: "/usr/bin/true"},
	}
}

func newTestSession(t *testing.T, cfg *config.Config, color string, eng *fakeEngine, remote *fakeRemote, books Books) *Session {
	t.Helper()
	info := lichess.GameInfo{
		GameID:   "g1",
		Color:    color,
		Opponent: lichess.Opponent{Username: "foe"},
		Variant:  lichess.Variant{Key: "standard"},
	}
	factory := func(ctx context.Context) (Engine, error) { return eng, nil }
	return New(cfg, remote, books, factory, info)
}

func gameFull(moves, status string) lichess.GameFull {
	return lichess.GameFull{
		ID: "g1",
		State: lichess.StateUpdate{
			Moves: moves, Status: status,
			WTimeMs: 300_000, BTimeMs: 300_000, WIncMs: 2000, BIncMs: 2000,
		},
	}
}

func gameState(moves, status string) lichess.GameState {
	return lichess.GameState{StateUpdate: lichess.StateUpdate{
		Moves: moves, Status: status,
		WTimeMs: 290_000, BTimeMs: 290_000, WIncMs: 2000, BIncMs: 2000,
	}}
}

func runSession(s *Session, events ...lichess.GameEvent) Outcome {
	ch := make(chan lichess.GameEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return s.Run(context.Background(), ch)
}

func TestSessionPlaysFullGame(t *testing.T) {
	eng := &fakeEngine{results: []engine.Result{
		{Move: "e2e4", ScoreCP: 30, Depth: 10},
		{Move: "g1f3", ScoreCP: 25, Depth: 10},
	}}
	remote := &fakeRemote{}
	s := newTestSession(t, testConfig(), "white", eng, remote, nil)

	out := runSession(s,
		gameFull("", "started"),
		gameState("e2e4 e7e5", "started"),
		gameState("e2e4 e7e5 g1f3 b8c6", "mate"),
	)

	if out.State != GameOver || out.Status != "mate" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	moves := remote.movesSent()
	if len(moves) != 2 || moves[0].move != "e2e4" || moves[1].move != "g1f3" {
		t.Fatalf("unexpected moves sent: %+v", moves)
	}
	if eng.searchCount() != 2 {
		t.Fatalf("expected 2 searches, got %d", eng.searchCount())
	}
	if eng.quits != 1 {
		t.Fatalf("engine not shut down exactly once: %d", eng.quits)
	}
}

func TestSessionOwnClockHandsClocksToEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.OwnClock = true
	eng := &fakeEngine{results: []engine.Result{
		{Move: "e2e4", ScoreCP: 30, Depth: 10},
		{Move: "g1f3", ScoreCP: 25, Depth: 10},
	}}
	remote := &fakeRemote{}
	s := newTestSession(t, cfg, "white", eng, remote, nil)

	out := runSession(s,
		gameFull("", "started"),
		gameState("e2e4 e7e5", "started"),
		gameState("e2e4 e7e5 g1f3 b8c6", "mate"),
	)
	if out.State != GameOver {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	lims := eng.limitsSeen()
	if len(lims) != 2 {
		t.Fatalf("expected 2 searches, got %d", len(lims))
	}
	// The opening move still runs on the fixed budget.
	if lims[0].BudgetMs != 10_000 || lims[0].WTimeMs != 0 {
		t.Fatalf("unexpected opening limits: %+v", lims[0])
	}
	// After that the engine gets the raw clocks and no movetime.
	if lims[1].BudgetMs != 0 {
		t.Fatalf("own_clock search still carried a budget: %+v", lims[1])
	}
	if lims[1].WTimeMs != 290_000 || lims[1].BTimeMs != 290_000 || lims[1].WIncMs != 2000 || lims[1].BIncMs != 2000 {
		t.Fatalf("clocks not handed through: %+v", lims[1])
	}
}

func TestSessionIgnoresStaleState(t *testing.T) {
	eng := &fakeEngine{}
	remote := &fakeRemote{}
	s := newTestSession(t, testConfig(), "white", eng, remote, nil)

	// The same position delivered twice must not trigger a second search.
	out := runSession(s,
		gameFull("", "started"),
		gameState("", "started"),
		gameState("", "started"),
		gameState("", "aborted"),
	)
	if out.State != GameOver {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if eng.searchCount() != 1 {
		t.Fatalf("stale updates re-triggered search: %d", eng.searchCount())
	}
}

func TestSessionAbortsIdleGame(t *testing.T) {
	cfg := testConfig()
	cfg.AbortTimeSec = 1
	eng := &fakeEngine{}
	remote := &fakeRemote{}
	s := newTestSession(t, cfg, "black", eng, remote, nil)

	// Opponent never moves; keep the stream open so only the timer can end it.
	ch := make(chan lichess.GameEvent, 1)
	ch <- gameFull("", "started")

	start := time.Now()
	out := s.Run(context.Background(), ch)
	if out.State != Aborted || out.Status != "aborted" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if remote.count("abort") != 1 {
		t.Fatalf("expected exactly one abort call, got %d", remote.count("abort"))
	}
	if time.Since(start) < time.Second {
		t.Fatalf("aborted before abort_time elapsed")
	}
}

func TestSessionResignsOnSustainedLostEval(t *testing.T) {
	cfg := testConfig()
	cfg.Resign = config.StreakConfig{Enabled: true, Score: -600, Moves: 2}
	eng := &fakeEngine{results: []engine.Result{
		{Move: "e2e4", ScoreCP: -800, Depth: 10},
		{Move: "d2d4", ScoreCP: -900, Depth: 10},
	}}
	remote := &fakeRemote{}
	s := newTestSession(t, cfg, "white", eng, remote, nil)

	out := runSession(s,
		gameFull("", "started"),
		gameState("e2e4 e7e5", "started"),
	)

	if out.State != GameOver || out.Status != "resign" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Winner != "black" {
		t.Fatalf("winner = %q, want black", out.Winner)
	}
	if remote.count("resign") != 1 {
		t.Fatalf("expected one resign call, got %d", remote.count("resign"))
	}
	// The losing move itself is never sent.
	if got := remote.movesSent(); len(got) != 1 {
		t.Fatalf("expected only the first move sent, got %+v", got)
	}
}

func TestSessionOffersAndAcceptsDraws(t *testing.T) {
	cfg := testConfig()
	cfg.Draw = config.StreakConfig{Enabled: true, Score: 10, Moves: 1, MinGameLength: 1}
	eng := &fakeEngine{results: []engine.Result{
		{Move: "e2e4", ScoreCP: 0, Depth: 10},
		{Move: "g1f3", ScoreCP: 2, Depth: 10},
	}}
	remote := &fakeRemote{}
	s := newTestSession(t, cfg, "white", eng, remote, nil)

	offer := gameState("e2e4 e7e5", "started")
	offer.BDraw = true // opponent offers a draw with their reply

	out := runSession(s,
		gameFull("", "started"),
		offer,
		gameState("e2e4 e7e5 g1f3 b8c6", "draw"),
	)

	if out.State != GameOver || out.Status != "draw" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	moves := remote.movesSent()
	if len(moves) == 0 || !moves[0].offerDraw {
		t.Fatalf("flat eval did not carry a draw offer: %+v", moves)
	}
	if remote.count("draw") != 1 {
		t.Fatalf("opponent draw offer unanswered: %+v", remote.calls)
	}
}

func TestSessionPrefersBookMove(t *testing.T) {
	eng := &fakeEngine{}
	remote := &fakeRemote{}
	s := newTestSession(t, testConfig(), "white", eng, remote, &fakeBook{move: "d2d4", depth: 1})

	out := runSession(s,
		gameFull("", "started"),
		gameState("d2d4 d7d5", "aborted"),
	)
	if out.State != GameOver {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if eng.searchCount() != 0 {
		t.Fatalf("book position still searched: %d", eng.searchCount())
	}
	moves := remote.movesSent()
	if len(moves) != 1 || moves[0].move != "d2d4" {
		t.Fatalf("book move not sent: %+v", moves)
	}
}

func TestSessionEngineSetupFailure(t *testing.T) {
	remote := &fakeRemote{}
	factory := func(ctx context.Context) (Engine, error) {
		return nil, fmt.Errorf("spawn failed")
	}
	s := New(testConfig(), remote, nil, factory, lichess.GameInfo{GameID: "g1", Color: "white"})

	ch := make(chan lichess.GameEvent)
	out := s.Run(context.Background(), ch)
	if out.State != Aborted || out.Err == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestSessionPermanentMoveRejection(t *testing.T) {
	eng := &fakeEngine{}
	remote := &fakeRemote{moveErr: []error{
		fmt.Errorf("%w: status=400", lichess.ErrPermanent),
	}}
	s := newTestSession(t, testConfig(), "white", eng, remote, nil)

	// The server refused our move; the session waits for the stream verdict
	// instead of aborting.
	out := runSession(s,
		gameFull("", "started"),
		gameState("", "outoftime"),
	)
	if out.State != GameOver || out.Status != "outoftime" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if remote.count("abort") != 0 {
		t.Fatalf("aborted despite permanent rejection: %+v", remote.calls)
	}
}

func TestSessionAbortsWhenMoveSendExhausted(t *testing.T) {
	transient := fmt.Errorf("%w: connection refused", lichess.ErrTransient)
	eng := &fakeEngine{}
	remote := &fakeRemote{moveErr: []error{transient, transient, transient, transient, transient}}
	s := newTestSession(t, testConfig(), "white", eng, remote, nil)

	out := runSession(s, gameFull("", "started"))
	if out.State != Aborted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if remote.count("move") != moveSendAttempts {
		t.Fatalf("expected %d send attempts, got %d", moveSendAttempts, remote.count("move"))
	}
	if remote.count("abort") != 1 {
		t.Fatalf("expected one abort call, got %d", remote.count("abort"))
	}
}

func TestSessionStreamClosedWithoutResult(t *testing.T) {
	eng := &fakeEngine{}
	remote := &fakeRemote{}
	s := newTestSession(t, testConfig(), "black", eng, remote, nil)

	out := runSession(s, gameFull("e2e4", "started"))
	if out.State != GameOver || out.Status != "unknownFinish" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestSideToMove(t *testing.T) {
	cases := []struct {
		fen    string
		played int
		want   string
	}{
		{"", 0, "white"},
		{"", 1, "black"},
		{"startpos", 2, "white"},
		{"4k3/8/8/8/8/8/8/4K2R b - - 0 1", 0, "black"},
		{"4k3/8/8/8/8/8/8/4K2R b - - 0 1", 1, "white"},
	}
	for _, c := range cases {
		if got := sideToMove(c.fen, c.played); got != c.want {
			t.Fatalf("sideToMove(%q, %d) = %q, want %q", c.fen, c.played, got, c.want)
		}
	}
}

func TestSessionCancelledContext(t *testing.T) {
	eng := &fakeEngine{}
	remote := &fakeRemote{}
	s := newTestSession(t, testConfig(), "black", eng, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan lichess.GameEvent)
	out := s.Run(ctx, ch)
	if out.State != Aborted || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if eng.quits != 1 {
		t.Fatalf("engine not shut down: %d", eng.quits)
	}
}
