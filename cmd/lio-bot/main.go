package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/park285/lio-bot/internal/book"
	appcfg "github.com/park285/lio-bot/internal/config"
	"github.com/park285/lio-bot/internal/dispatch"
	"github.com/park285/lio-bot/internal/engine"
	"github.com/park285/lio-bot/internal/lichess"
	"github.com/park285/lio-bot/internal/matchmaker"
	"github.com/park285/lio-bot/internal/obslog"
	"github.com/park285/lio-bot/internal/record"
	"github.com/park285/lio-bot/internal/session"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	cmd := &cli.Command{
		Name:  "lio-bot",
		Usage: "bridge a local UCI engine to the lichess bot API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yml", Usage: "path to the YAML config file"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Usage: "also log to this file"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug-level output"},
			&cli.BoolFlag{Name: "upgrade", Aliases: []string{"u"}, Usage: "upgrade the account to a BOT account and exit"},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("lio-bot: %v", err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if err := obslog.Init(cmd.Bool("verbose"), cmd.String("log")); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer obslog.L().Sync()

	cfg, err := appcfg.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	client := lichess.NewClient(cfg.URL, cfg.Token)
	account, err := client.Account(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	client.SetUserAgent(account.Username)

	if cmd.Bool("upgrade") {
		if account.Title == "BOT" {
			obslog.L().Warn("already_bot_account", zap.String("username", account.Username))
			return nil
		}
		if err := client.UpgradeToBot(ctx); err != nil {
			return fmt.Errorf("upgrade account: %w", err)
		}
		obslog.L().Info("account_upgraded", zap.String("username", account.Username))
		return nil
	}

	if account.Title != "BOT" {
		return fmt.Errorf("account %s is not a BOT account (run with --upgrade first)", account.Username)
	}
	obslog.L().Info("logged_in",
		zap.String("username", account.Username),
		zap.String("title", account.Title),
	)

	books, err := book.NewLibrary(cfg.Books)
	if err != nil {
		return err
	}

	var recorder record.Recorder = record.NewNop()
	if cfg.RedisURL != "" {
		r, err := record.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("init outcome recorder: %w", err)
		}
		recorder = r
	}
	defer recorder.Close()

	engineFactory := session.EngineFactory(func(ctx context.Context) (session.Engine, error) {
		return engine.New(ctx, cfg.Engine.Path)
	})
	runGame := func(gameCtx context.Context, info lichess.GameInfo) session.Outcome {
		events := client.StreamGameEvents(gameCtx, info.GameID)
		return session.New(cfg, client, books, engineFactory, info).Run(gameCtx, events)
	}

	mm := matchmaker.New(cfg.Matchmaking, client, account.Username)
	d := dispatch.New(cfg, client, runGame, mm, recorder, account)

	events := client.StreamAccountEvents(ctx)
	return d.Run(ctx, events)
}
