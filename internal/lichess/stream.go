package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/park285/lio-bot/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	// lichess sends a keepalive line every few seconds; a silent stream
	// this long is treated as disconnected.
	streamStallTimeout = 30 * time.Second

	accountStreamRetryMax = 10
	gameStreamRetryMax    = 8
)

// StreamAccountEvents subscribes to the account event stream and keeps it
// alive across disconnects. The channel closes when ctx is cancelled or after
// accountStreamRetryMax consecutive failed resubscriptions; the latter is the
// account-level fatal condition.
func (c *Client) StreamAccountEvents(ctx context.Context) <-chan AccountEvent {
	out := make(chan AccountEvent, 16)

	go func() {
		defer close(out)
		failures := 0
		for {
			if ctx.Err() != nil {
				return
			}

			err := c.streamNDJSON(ctx, "/api/stream/event", func(line []byte) {
				ev, derr := decodeAccountEvent(line)
				if derr != nil {
					obslog.L().Warn("account_event_decode", zap.Error(derr))
					return
				}
				failures = 0
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			})
			if ctx.Err() != nil {
				return
			}

			failures++
			obslog.L().Warn("account_stream_error",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
			)
			if failures >= accountStreamRetryMax {
				obslog.L().Error("account_stream_abandoned", zap.Int("failures", failures))
				return
			}
			if sleepWithContext(ctx, backoffDuration(failures)) != nil {
				return
			}
		}
	}()

	return out
}

// StreamGameEvents subscribes to one game's event stream. A stream that ends
// cleanly means the game is over and the channel closes. Errors trigger
// bounded resubscription; on exhaustion the channel closes and the session
// treats the game as finished.
func (c *Client) StreamGameEvents(ctx context.Context, gameID string) <-chan GameEvent {
	out := make(chan GameEvent, 16)
	path := "/api/bot/game/stream/" + gameID

	go func() {
		defer close(out)
		for attempt := 0; attempt < gameStreamRetryMax; attempt++ {
			if ctx.Err() != nil {
				return
			}

			err := c.streamNDJSON(ctx, path, func(line []byte) {
				ev, derr := decodeGameEvent(line)
				if derr != nil {
					obslog.L().Warn("game_event_decode", zap.String("game_id", gameID), zap.Error(derr))
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			})
			if err == nil || ctx.Err() != nil {
				// clean end of stream: the game is over
				return
			}

			obslog.L().Warn("game_stream_error",
				zap.String("game_id", gameID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if sleepWithContext(ctx, backoffDuration(attempt+1)) != nil {
				return
			}
		}
		obslog.L().Warn("game_stream_abandoned", zap.String("game_id", gameID))
	}()

	return out
}

// OnlineBots returns the currently online bot accounts.
func (c *Client) OnlineBots(ctx context.Context) ([]AccountInfo, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + "/api/bot/online")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.agent)

	if err := c.http.DoDeadline(req, resp, time.Now().Add(30*time.Second)); err != nil {
		return nil, fmt.Errorf("%w: online bots: %v", ErrTransient, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: online bots: status=%d", ErrTransient, resp.StatusCode())
	}

	var bots []AccountInfo
	for _, line := range bytes.Split(resp.Body(), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var info AccountInfo
		if err := json.Unmarshal(line, &info); err != nil {
			obslog.L().Warn("online_bot_decode", zap.Error(err))
			continue
		}
		bots = append(bots, info)
	}
	return bots, nil
}

// streamNDJSON opens one streaming request and forwards each line (blank
// keepalives included) to handle until the stream ends. Returns nil on a
// clean server-side end of stream.
func (c *Client) streamNDJSON(ctx context.Context, path string, handle func(line []byte)) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.agent)

	if err := c.stream.Do(req, resp); err != nil {
		return fmt.Errorf("%w: open stream %s: %v", ErrTransient, path, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		_ = resp.CloseBodyStream()
		if resp.StatusCode() >= 500 || resp.StatusCode() == fasthttp.StatusTooManyRequests {
			return fmt.Errorf("%w: stream %s: status=%d", ErrTransient, path, resp.StatusCode())
		}
		return fmt.Errorf("%w: stream %s: status=%d", ErrPermanent, path, resp.StatusCode())
	}

	type scanResult struct {
		line []byte
		err  error
		done bool
	}
	lines := make(chan scanResult, 16)
	// closed when the consumer loop below returns, so a stall or cancel
	// cannot strand the scanner goroutine blocked on a full channel
	gone := make(chan struct{})
	defer close(gone)
	go func() {
		scanner := bufio.NewScanner(resp.BodyStream())
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			select {
			case lines <- scanResult{line: append([]byte(nil), line...)}:
			case <-gone:
				return
			}
		}
		select {
		case lines <- scanResult{err: scanner.Err(), done: true}:
		case <-gone:
		}
	}()

	stall := time.NewTimer(c.stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = resp.CloseBodyStream()
			return ctx.Err()

		case <-stall.C:
			_ = resp.CloseBodyStream()
			return fmt.Errorf("%w: stream %s stalled", ErrTransient, path)

		case res := <-lines:
			if res.done {
				_ = resp.CloseBodyStream()
				if res.err != nil {
					return fmt.Errorf("%w: stream %s: %v", ErrTransient, path, res.err)
				}
				return nil
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(c.stallTimeout)
			handle(res.line)
		}
	}
}
