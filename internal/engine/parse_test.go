package engine

import "testing"

func TestParseInfo(t *testing.T) {
	cases := []struct {
		line  string
		want  searchInfo
		score bool
	}{
		{"info depth 12 seldepth 18 score cp 35 nodes 100000 pv e2e4 e7e5", searchInfo{scoreCP: 35, depth: 12}, true},
		{"info depth 8 score cp -240 time 500", searchInfo{scoreCP: -240, depth: 8}, true},
		{"info depth 20 score mate 3 pv d8h4", searchInfo{scoreCP: 30000, mateIn: 3, depth: 20}, true},
		{"info depth 20 score mate -2", searchInfo{scoreCP: -30000, mateIn: -2, depth: 20}, true},
		{"info depth 1 currmove e2e4 currmovenumber 1", searchInfo{depth: 1}, false},
		{"info nps 1200000 hashfull 30", searchInfo{}, false},
		{"info string verbose chatter", searchInfo{}, false},
	}
	for _, c := range cases {
		got, ok := parseInfo(c.line)
		if ok != c.score {
			t.Fatalf("%q: score presence = %v, want %v", c.line, ok, c.score)
		}
		if ok && got != c.want {
			t.Fatalf("%q: parsed %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestBuildPositionCommand(t *testing.T) {
	cases := []struct {
		pos  Position
		want string
	}{
		{Position{}, "position startpos\n"},
		{Position{FEN: "startpos"}, "position startpos\n"},
		{Position{Moves: []string{"e2e4", "e7e5"}}, "position startpos moves e2e4 e7e5\n"},
		{
			Position{FEN: "4k3/8/8/8/8/8/8/4K2R w K - 0 1", Moves: []string{"h1h8"}},
			"position fen 4k3/8/8/8/8/8/8/4K2R w K - 0 1 moves h1h8\n",
		},
	}
	for _, c := range cases {
		if got := buildPositionCommand(c.pos); got != c.want {
			t.Fatalf("buildPositionCommand(%+v) = %q, want %q", c.pos, got, c.want)
		}
	}
}

func TestBuildGoCommand(t *testing.T) {
	cmd, wait := buildGoCommand(Limits{BudgetMs: 1200})
	if cmd != "go movetime 1200\n" || wait != 1200 {
		t.Fatalf("movetime form: %q wait=%d", cmd, wait)
	}

	// Collapsed budgets clamp to the floor instead of sending movetime 0.
	cmd, wait = buildGoCommand(Limits{BudgetMs: 0})
	if cmd != "go movetime 50\n" || wait != 50 {
		t.Fatalf("floor not applied: %q wait=%d", cmd, wait)
	}

	cmd, wait = buildGoCommand(Limits{WTimeMs: 60_000, BTimeMs: 40_000, WIncMs: 2000, BIncMs: 2000})
	if cmd != "go wtime 60000 btime 40000 winc 2000 binc 2000\n" {
		t.Fatalf("clock form: %q", cmd)
	}
	if wait != 30_000 {
		t.Fatalf("clock-form watchdog = %d, want half the larger clock", wait)
	}
}
