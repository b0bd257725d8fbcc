package book

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	chesslib "github.com/corentings/chess/v2"
	"github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/obslog"
	"go.uber.org/zap"
)

// Selection is how a move is picked from the matching book entries.
type Selection string

const (
	WeightedRandom Selection = "weighted_random"
	UniformRandom  Selection = "uniform_random"
	BestMove       Selection = "best_move"
)

// Library holds the opened polyglot books, grouped per variant key.
type Library struct {
	byVariant map[string][]*chesslib.PolyglotBook
	selection Selection
	depth     int
	enabled   bool

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewLibrary opens every configured book file. A missing file is an error:
// a book the config names must exist.
func NewLibrary(cfg config.BooksConfig) (*Library, error) {
	l := &Library{
		byVariant: make(map[string][]*chesslib.PolyglotBook),
		selection: Selection(cfg.Selection),
		depth:     cfg.Depth,
		enabled:   cfg.Enabled,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if !cfg.Enabled {
		return l, nil
	}

	for variant, paths := range cfg.Paths {
		for _, path := range paths {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
			}
			b, err := chesslib.LoadFromReader(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("load polyglot book %q: %w", path, err)
			}
			l.byVariant[variant] = append(l.byVariant[variant], b)
			obslog.L().Info("book_loaded", zap.String("variant", variant), zap.String("path", path))
		}
	}
	return l, nil
}

// Pick returns a book move in UCI notation for the given position, or false
// when the book has nothing to offer. fromPosition games use standard books.
// Moves allowing an immediate position repeat are skipped so book lines
// cannot shuffle into a repetition draw.
func (l *Library) Pick(fen string, moves []string, variant string, fullmoveNumber int) (string, bool) {
	if l == nil || !l.enabled {
		return "", false
	}
	if fullmoveNumber > l.depth {
		return "", false
	}

	if variant == "fromPosition" {
		variant = "standard"
	}
	books := l.byVariant[variant]
	if len(books) == 0 {
		return "", false
	}

	game, err := buildGame(fen, moves)
	if err != nil {
		obslog.L().Warn("book_position_rebuild", zap.Error(err))
		return "", false
	}

	hasher := chesslib.NewZobristHasher()
	hashStr, err := hasher.HashPosition(game.FEN())
	if err != nil {
		obslog.L().Warn("book_hash", zap.Error(err))
		return "", false
	}
	hash := chesslib.ZobristHashToUint64(hashStr)

	for _, b := range books {
		var candidates []candidate
		for _, entry := range b.FindMoves(hash) {
			mv := chesslib.DecodeMove(entry.Move).ToMove()
			uci := mv.String()
			probe, perr := buildGame(fen, moves)
			if perr != nil {
				break
			}
			if perr := probe.PushNotationMove(uci, chesslib.UCINotation{}, nil); perr != nil {
				continue
			}
			candidates = append(candidates, candidate{move: uci, weight: entry.Weight})
		}
		if len(candidates) == 0 {
			continue
		}

		chosen := l.choose(candidates)
		if wouldRepeat(fen, moves, chosen.move) {
			continue
		}
		return chosen.move, true
	}
	return "", false
}

type candidate struct {
	move   string
	weight uint16
}

func (l *Library) choose(candidates []candidate) candidate {
	switch l.selection {
	case UniformRandom:
		return candidates[l.intn(len(candidates))]
	case WeightedRandom:
		total := 0
		for _, c := range candidates {
			total += int(c.weight)
		}
		if total == 0 {
			return candidates[l.intn(len(candidates))]
		}
		r := l.intn(total)
		for _, c := range candidates {
			r -= int(c.weight)
			if r < 0 {
				return c
			}
		}
		return candidates[len(candidates)-1]
	default: // BestMove
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.weight > best.weight {
				best = c
			}
		}
		return best
	}
}

func (l *Library) intn(n int) int {
	l.randMu.Lock()
	defer l.randMu.Unlock()
	return l.rand.Intn(n)
}

// wouldRepeat reports whether playing the move recreates a position already
// seen in this game, the cheap tell of a book line drifting into repetition.
func wouldRepeat(fen string, moves []string, move string) bool {
	game, err := buildGame(fen, moves)
	if err != nil {
		return false
	}
	if err := game.PushNotationMove(move, chesslib.UCINotation{}, nil); err != nil {
		return false
	}

	positions := game.Positions()
	if len(positions) == 0 {
		return false
	}
	last := positionKey(positions[len(positions)-1].String())
	seen := 0
	for _, pos := range positions {
		if positionKey(pos.String()) == last {
			seen++
		}
	}
	return seen >= 2
}

// positionKey keeps the placement, side to move, castling and en passant
// fields of a FEN, dropping the move counters.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fen
	}
	return strings.Join(fields[:4], " ")
}

func buildGame(fen string, moves []string) (*chesslib.Game, error) {
	var game *chesslib.Game
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		game = chesslib.NewGame()
	} else {
		option, err := chesslib.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", fen, err)
		}
		game = chesslib.NewGame(option)
	}
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, chesslib.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("apply move %q: %w", mv, err)
		}
	}
	return game, nil
}
