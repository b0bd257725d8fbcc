package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
token: "lip_secret"
engine:
  path: /usr/bin/stockfish
  own_clock: true
  ponder: false
  uci_options:
    Hash: "256"
    Threads: "4"
concurrency: 3
abort_time: 20
move_overhead: 500
challenge:
  enabled: true
  variants: [standard]
  time_controls: [bullet, blitz]
  max_increment: 20
  max_initial: 600
  modes: [rated, casual]
  opponents: [human, bot]
  max_rating_diffs:
    bot: 200
draw:
  enabled: true
  score: 10
  moves: 8
  min_game_length: 35
matchmaking:
  enabled: true
  initial_times: [180, 300]
  increments: [0, 2]
  rated: true
  timeout: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "lip_secret" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.URL != "https://lichess.org" {
		t.Fatalf("default url not applied: %q", cfg.URL)
	}
	if cfg.Concurrency != 3 || cfg.AbortTimeSec != 20 || cfg.MoveOverheadMs != 500 {
		t.Fatalf("top-level fields: %+v", cfg)
	}
	if cfg.Engine.UCIOptions["Hash"] != "256" {
		t.Fatalf("uci options: %+v", cfg.Engine.UCIOptions)
	}
	if !cfg.Engine.OwnClock {
		t.Fatalf("own_clock not parsed: %+v", cfg.Engine)
	}
	if cfg.Books.Selection != "best_move" || cfg.Books.Depth != 10 {
		t.Fatalf("book defaults lost: %+v", cfg.Books)
	}
	if cfg.Challenge.MaxRatingDiffs["bot"] != 200 {
		t.Fatalf("rating diffs: %+v", cfg.Challenge.MaxRatingDiffs)
	}
	if !cfg.Draw.Enabled || cfg.Draw.MinGameLength != 35 {
		t.Fatalf("draw config: %+v", cfg.Draw)
	}
	if cfg.Matchmaking.TimeoutMin != 10 {
		t.Fatalf("matchmaking timeout: %+v", cfg.Matchmaking)
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "lip_env")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "lip_env" {
		t.Fatalf("env token not applied: %q", cfg.Token)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("LICHESS_BOT_TOKEN", "") // keep the ambient token out of validation
	cases := []struct {
		name string
		body string
	}{
		{"missing_token", "engine:\n  path: /usr/bin/stockfish\n"},
		{"missing_engine", "token: t\n"},
		{"bad_concurrency", "token: t\nconcurrency: 0\nengine:\n  path: /e\n"},
		{"bad_abort_time", "token: t\nabort_time: 0\nengine:\n  path: /e\n"},
		{"bad_selection", "token: t\nengine:\n  path: /e\nbooks:\n  selection: strongest\n"},
		{"draw_without_window", "token: t\nengine:\n  path: /e\ndraw:\n  enabled: true\n"},
		{"matchmaking_without_times", "token: t\nengine:\n  path: /e\nmatchmaking:\n  enabled: true\n"},
	}
	for _, c := range cases {
		if _, err := Load(writeConfig(t, c.body)); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
