package lichess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/park285/lio-bot/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetryMax = 5
)

// Client talks to the lichess bot API. All calls classify failures as
// ErrTransient (retried internally up to the retry budget) or ErrPermanent.
type Client struct {
	baseURL string
	token   string
	agent   string

	http   *fasthttp.Client
	stream *fasthttp.Client

	timeout      time.Duration
	retryMax     int
	stallTimeout time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithStallTimeout(d time.Duration) Option {
	return func(c *Client) { c.stallTimeout = d }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		agent:   "lio-bot",
		http: &fasthttp.Client{
			ReadTimeout:     defaultTimeout,
			WriteTimeout:    defaultTimeout,
			MaxConnsPerHost: 64,
		},
		stream: &fasthttp.Client{
			StreamResponseBody: true,
			WriteTimeout:       defaultTimeout,
			MaxConnsPerHost:    16,
		},
		timeout:      defaultTimeout,
		retryMax:     defaultRetryMax,
		stallTimeout: streamStallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUserAgent records the bot account name in the request user agent.
func (c *Client) SetUserAgent(username string) {
	c.agent = fmt.Sprintf("lio-bot user:%s", username)
}

// Account fetches the authenticated account's profile.
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, fasthttp.MethodGet, "/api/account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpgradeToBot irreversibly upgrades the account to a BOT account.
func (c *Client) UpgradeToBot(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/bot/account/upgrade", nil, nil)
}

func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+challengeID+"/accept", nil, nil)
}

func (c *Client) DeclineChallenge(ctx context.Context, challengeID, reason string) error {
	form := map[string]string{"reason": reason}
	return c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+challengeID+"/decline", form, nil)
}

func (c *Client) CancelChallenge(ctx context.Context, challengeID string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+challengeID+"/cancel", nil, nil)
}

func (c *Client) AbortGame(ctx context.Context, gameID string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/abort", nil, nil)
}

func (c *Client) ResignGame(ctx context.Context, gameID string) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/resign", nil, nil)
}

// MakeMove sends one UCI move, optionally flagging a draw offer with it.
func (c *Client) MakeMove(ctx context.Context, gameID, move string, offerDraw bool) error {
	path := fmt.Sprintf("/api/bot/game/%s/move/%s?offeringDraw=%t", gameID, move, offerDraw)
	return c.do(ctx, fasthttp.MethodPost, path, nil, nil)
}

// HandleDrawOffer accepts or declines the opponent's pending draw offer.
func (c *Client) HandleDrawOffer(ctx context.Context, gameID string, accept bool) error {
	verdict := "no"
	if accept {
		verdict = "yes"
	}
	return c.do(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/draw/"+verdict, nil, nil)
}

// ChallengeParams describes an outgoing challenge.
type ChallengeParams struct {
	Rated        bool
	InitialSec   int
	IncrementSec int
	Variant      string
}

// CreateChallenge issues an outgoing challenge to the named opponent and
// returns the challenge id so the caller can cancel it if it goes unanswered.
func (c *Client) CreateChallenge(ctx context.Context, opponent string, p ChallengeParams) (string, error) {
	form := map[string]string{
		"rated":           fmt.Sprintf("%t", p.Rated),
		"clock.limit":     fmt.Sprintf("%d", p.InitialSec),
		"clock.increment": fmt.Sprintf("%d", p.IncrementSec),
		"variant":         p.Variant,
		"color":           "random",
	}
	var out struct {
		ID        string `json:"id"`
		Challenge struct {
			ID string `json:"id"`
		} `json:"challenge"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+opponent, form, &out); err != nil {
		return "", err
	}
	if out.Challenge.ID != "" {
		return out.Challenge.ID, nil
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, form map[string]string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.agent)
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		for k, v := range form {
			req.PostArgs().Set(k, v)
		}
	}

	attempts := c.retryMax
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.http.DoDeadline(req, resp, c.deadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: %v", ErrTransient, path, err)
			if attempt == attempts {
				return lastErr
			}
			if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response %s: %w", path, err)
				}
			}
			return nil

		case status == fasthttp.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s: rate limited", ErrTransient, path)
			obslog.L().Warn("lichess_rate_limited", zap.String("path", path))
			if attempt == attempts {
				return lastErr
			}
			// lichess asks for a full minute of silence after a 429
			if err := sleepWithContext(ctx, time.Minute); err != nil {
				return lastErr
			}

		case status >= 500:
			lastErr = fmt.Errorf("%w: %s: status=%d", ErrTransient, path, status)
			if attempt == attempts {
				return lastErr
			}
			if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
				return lastErr
			}

		default:
			return fmt.Errorf("%w: %s: status=%d body=%s", ErrPermanent, path, status, truncate(string(resp.Body()), 512))
		}
	}
	return lastErr
}

func (c *Client) deadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
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

// backoffDuration grows 100ms, 200ms, ... capped after six doublings.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
