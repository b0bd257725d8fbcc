package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/lio-bot/internal/obslog"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 5 * time.Second
	quitGrace        = 2 * time.Second
	searchGrace      = 3 * time.Second
	minMoveTimeMs    = 50
)

// Position is the board state pushed to the engine before a search.
type Position struct {
	FEN   string // empty or "startpos" for the initial position
	Moves []string
}

// Limits bounds one search. BudgetMs is the usual driver, with increment and
// overhead already folded in by the clock policy. When both full clocks are
// set the engine manages its own time instead.
type Limits struct {
	BudgetMs int64

	WTimeMs int64
	BTimeMs int64
	WIncMs  int64
	BIncMs  int64
}

func (l Limits) hasClocks() bool {
	return l.WTimeMs > 0 && l.BTimeMs > 0
}

// Result is the engine's answer to one search.
type Result struct {
	Move    string
	Ponder  string
	ScoreCP int // mate scores clamped to +-30000
	MateIn  int // 0 when no forced mate was reported
	Depth   int
}

// Process owns exactly one UCI engine subprocess for its lifetime.
// It is not safe for concurrent searches; a session drives it sequentially.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex // guards stdin writes
	search sync.Mutex // serializes searches

	lines   chan string
	readErr error
	readMu  sync.Mutex

	closeOnce sync.Once
	waitDone  chan struct{}
	waitErr   error
}

// New spawns the engine binary and completes the uci/uciok handshake.
func New(ctx context.Context, binaryPath string) (*Process, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		lines:    make(chan string, 64),
		waitDone: make(chan struct{}),
	}
	go p.readLoop(stdoutPipe)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := p.send("uci\n"); err != nil {
		p.kill()
		return nil, fmt.Errorf("send uci: %w", err)
	}
	if err := p.awaitToken(hsCtx, "uciok"); err != nil {
		p.kill()
		return nil, fmt.Errorf("%w: wait uciok: %v", ErrProtocol, err)
	}
	return p, nil
}

// Configure applies UCI options and verifies the engine still answers a ready
// probe. An option the engine reports as unknown fails with ErrConfiguration.
func (p *Process) Configure(ctx context.Context, options map[string]string, ponder bool) error {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.send(fmt.Sprintf("setoption name %s value %s\n", name, options[name])); err != nil {
			return fmt.Errorf("send setoption: %w", err)
		}
	}
	if err := p.send(fmt.Sprintf("setoption name Ponder value %t\n", ponder)); err != nil {
		return fmt.Errorf("send setoption: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := p.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	for {
		line, err := p.readLine(readyCtx)
		if err != nil {
			return fmt.Errorf("%w: ready probe after options: %v", ErrConfiguration, err)
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "no such option") || strings.Contains(lower, "unknown option") {
			return fmt.Errorf("%w: %s", ErrConfiguration, line)
		}
		if strings.Contains(line, "readyok") {
			return nil
		}
	}
}

// NewGame resets engine state before the first search of a game.
func (p *Process) NewGame(ctx context.Context) error {
	if err := p.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}
	return p.EnsureReady(ctx)
}

// EnsureReady performs an isready/readyok round trip.
func (p *Process) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := p.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := p.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("%w: wait readyok: %v", ErrProtocol, err)
	}
	return nil
}

// Search pushes the position and runs one bounded search. When the budget plus
// grace elapses without an answer, a stop is issued and the engine gets one
// more grace period to produce its final best move before ErrSearchTimeout.
func (p *Process) Search(ctx context.Context, pos Position, lim Limits) (Result, error) {
	p.search.Lock()
	defer p.search.Unlock()

	if err := p.send(buildPositionCommand(pos)); err != nil {
		return Result{}, fmt.Errorf("%w: send position: %v", ErrProtocol, err)
	}

	goCmd, waitMs := buildGoCommand(lim)
	if err := p.send(goCmd); err != nil {
		return Result{}, fmt.Errorf("%w: send go: %v", ErrProtocol, err)
	}

	deadline := time.NewTimer(time.Duration(waitMs)*time.Millisecond + searchGrace)
	defer deadline.Stop()

	var (
		res     Result
		scored  bool
		stopped bool
	)
	for {
		select {
		case <-ctx.Done():
			_ = p.send("stop\n")
			return Result{}, ctx.Err()

		case <-deadline.C:
			if stopped {
				return Result{}, fmt.Errorf("%w: no best move within grace period", ErrSearchTimeout)
			}
			stopped = true
			if err := p.send("stop\n"); err != nil {
				return Result{}, fmt.Errorf("%w: send stop: %v", ErrProtocol, err)
			}
			deadline.Reset(searchGrace)

		case line, ok := <-p.lines:
			if !ok {
				return Result{}, fmt.Errorf("%w: engine output closed: %v", ErrProtocol, p.readError())
			}
			switch {
			case strings.HasPrefix(line, "info "):
				if info, ok := parseInfo(line); ok {
					res.ScoreCP = info.scoreCP
					res.MateIn = info.mateIn
					res.Depth = info.depth
					scored = true
				}
			case strings.HasPrefix(line, "bestmove"):
				fields := strings.Fields(line)
				if len(fields) < 2 || fields[1] == "(none)" {
					return Result{}, fmt.Errorf("%w: engine returned no move", ErrProtocol)
				}
				if !scored {
					// an engine that answers without ever reporting a score
					// counts as winning, never as a drawish eval
					res.ScoreCP = mateValue
				}
				res.Move = fields[1]
				if len(fields) >= 4 && fields[2] == "ponder" {
					res.Ponder = fields[3]
				}
				return res, nil
			}
		}
	}
}

// Quit shuts the engine down: quit command, bounded wait, then force kill.
// The subprocess is guaranteed dead when Quit returns.
func (p *Process) Quit(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.send("quit\n")

		grace := quitGrace
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < grace {
				grace = rem
			}
		}

		select {
		case <-p.waitDone:
		case <-time.After(grace):
			obslog.L().Warn("engine_force_kill", zap.Int("pid", p.cmd.Process.Pid))
			p.kill()
			<-p.waitDone
		}

		p.mu.Lock()
		p.stdin.Close()
		p.mu.Unlock()
		err = nil
	})
	return err
}

func (p *Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) send(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.stdin, msg)
	return err
}

func (p *Process) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.lines <- line
	}
	p.readMu.Lock()
	p.readErr = scanner.Err()
	p.readMu.Unlock()
	close(p.lines)
}

func (p *Process) readError() error {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	return p.readErr
}

func (p *Process) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("engine output closed: %w", io.EOF)
		}
		return line, nil
	}
}

func (p *Process) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

// buildGoCommand renders the search command and how long to wait for it.
// With full clocks the engine budgets itself; the watchdog then has to cover
// the worst case of half the larger clock.
func buildGoCommand(lim Limits) (cmd string, waitMs int64) {
	if lim.hasClocks() {
		wait := lim.WTimeMs
		if lim.BTimeMs > wait {
			wait = lim.BTimeMs
		}
		wait /= 2
		if wait < minMoveTimeMs {
			wait = minMoveTimeMs
		}
		return fmt.Sprintf("go wtime %d btime %d winc %d binc %d\n",
			lim.WTimeMs, lim.BTimeMs, lim.WIncMs, lim.BIncMs), wait
	}

	budget := lim.BudgetMs
	if budget < minMoveTimeMs {
		budget = minMoveTimeMs
	}
	return fmt.Sprintf("go movetime %d\n", budget), budget
}

func buildPositionCommand(pos Position) string {
	var sb strings.Builder
	if strings.TrimSpace(pos.FEN) == "" || pos.FEN == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(pos.FEN)
	}
	if len(pos.Moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(pos.Moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}
