package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type EngineConfig struct {
	Path string `yaml:"path"`
	// OwnClock hands the raw wtime/btime clocks to the engine after the
	// opening moves instead of a movetime budget.
	OwnClock   bool              `yaml:"own_clock"`
	Ponder     bool              `yaml:"ponder"`
	UCIOptions map[string]string `yaml:"uci_options"`
}

type BooksConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Selection string              `yaml:"selection"`
	Depth     int                 `yaml:"depth"`
	Paths     map[string][]string `yaml:"paths"`
}

type ChallengeConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Variants       []string       `yaml:"variants"`
	TimeControls   []string       `yaml:"time_controls"`
	MinIncrement   int            `yaml:"min_increment"`
	MaxIncrement   int            `yaml:"max_increment"`
	MinInitial     int            `yaml:"min_initial"`
	MaxInitial     int            `yaml:"max_initial"`
	Modes          []string       `yaml:"modes"`
	Opponents      []string       `yaml:"opponents"`
	MaxRatingDiffs map[string]int `yaml:"max_rating_diffs"`
}

type StreakConfig struct {
	Enabled       bool `yaml:"enabled"`
	Score         int  `yaml:"score"`
	Moves         int  `yaml:"moves"`
	MinGameLength int  `yaml:"min_game_length"`
}

type MatchmakingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Variant       string `yaml:"variant"`
	InitialTimes  []int  `yaml:"initial_times"`
	Increments    []int  `yaml:"increments"`
	Rated         bool   `yaml:"rated"`
	MinGames      int    `yaml:"min_games"`
	MaxRatingDiff int    `yaml:"max_rating_diff"`
	TimeoutMin    int    `yaml:"timeout"`
}

type Config struct {
	Token          string            `yaml:"token"`
	URL            string            `yaml:"url"`
	Concurrency    int               `yaml:"concurrency"`
	AbortTimeSec   int               `yaml:"abort_time"`
	MoveOverheadMs int               `yaml:"move_overhead"`
	RedisURL       string            `yaml:"redis_url"`
	Engine         EngineConfig      `yaml:"engine"`
	Books          BooksConfig       `yaml:"books"`
	Challenge      ChallengeConfig   `yaml:"challenge"`
	Draw           StreakConfig      `yaml:"draw"`
	Resign         StreakConfig      `yaml:"resign"`
	Matchmaking    MatchmakingConfig `yaml:"matchmaking"`
}

// Load reads and validates the YAML config file. The LICHESS_BOT_TOKEN
// environment variable, when set, overrides the token in the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if token := strings.TrimSpace(os.Getenv("LICHESS_BOT_TOKEN")); token != "" {
		cfg.Token = token
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		URL:            "https://lichess.org",
		Concurrency:    1,
		AbortTimeSec:   30,
		MoveOverheadMs: 1000,
		Books: BooksConfig{
			Selection: "best_move",
			Depth:     10,
		},
		Matchmaking: MatchmakingConfig{
			Variant:    "standard",
			TimeoutMin: 30,
		},
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("token is required (config or LICHESS_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1: %d", c.Concurrency)
	}
	if c.AbortTimeSec < 1 {
		return fmt.Errorf("abort_time must be >= 1: %d", c.AbortTimeSec)
	}
	if c.MoveOverheadMs < 0 {
		return fmt.Errorf("move_overhead must be >= 0: %d", c.MoveOverheadMs)
	}
	if strings.TrimSpace(c.Engine.Path) == "" {
		return errors.New("engine.path is required")
	}
	switch c.Books.Selection {
	case "weighted_random", "uniform_random", "best_move":
	default:
		return fmt.Errorf("books.selection unknown: %q", c.Books.Selection)
	}
	if c.Draw.Enabled && c.Draw.Moves < 1 {
		return fmt.Errorf("draw.moves must be >= 1 when draw.enabled: %d", c.Draw.Moves)
	}
	if c.Resign.Enabled && c.Resign.Moves < 1 {
		return fmt.Errorf("resign.moves must be >= 1 when resign.enabled: %d", c.Resign.Moves)
	}
	if c.Matchmaking.Enabled {
		if len(c.Matchmaking.InitialTimes) == 0 {
			return errors.New("matchmaking.initial_times must not be empty when enabled")
		}
		if len(c.Matchmaking.Increments) == 0 {
			return errors.New("matchmaking.increments must not be empty when enabled")
		}
		if c.Matchmaking.TimeoutMin < 1 {
			return fmt.Errorf("matchmaking.timeout must be >= 1: %d", c.Matchmaking.TimeoutMin)
		}
	}
	return nil
}
