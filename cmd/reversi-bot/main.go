package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	appcfg "github.com/park285/reversi-bot/internal/config"
	"github.com/park285/reversi-bot/internal/feed"
	"github.com/park285/reversi-bot/internal/game"
	"github.com/park285/reversi-bot/internal/hub"
	"github.com/park285/reversi-bot/internal/matchreg"
	"github.com/park285/reversi-bot/internal/msgcat"
	"github.com/park285/reversi-bot/internal/obslog"
	"github.com/park285/reversi-bot/internal/stream"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	if err := run(cfg); err != nil {
		obslog.L().Error("reversi_bot_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *appcfg.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	api := feed.New(cfg.APIHost, cfg.APIToken)
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	me, err := api.Me(mctx)
	cancel()
	if err != nil {
		return fmt.Errorf("resolve bot account: %w", err)
	}
	obslog.L().Info("reversi_bot_account", zap.String("id", me.ID), zap.String("username", me.Username))

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sc, err := stream.Dial(dctx, cfg.StreamURL, cfg.APIToken)
	cancel()
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}

	var reg matchreg.Registry = matchreg.NewMemory()
	if cfg.RedisURL != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rr, err := matchreg.Dial(rctx, cfg.RedisURL, cfg.MatchClaimTTL)
		cancel()
		if err != nil {
			_ = sc.Close(context.Background())
			return fmt.Errorf("redis: %w", err)
		}
		reg = rr
	}

	h := hub.New(hub.Config{
		BotID:      me.ID,
		Host:       cfg.APIHost,
		ReadyDelay: cfg.ReadyDelay,
		Session: game.Config{
			Strength:    cfg.DefaultStrength,
			AllowPost:   cfg.AllowPost,
			SettleDelay: cfg.SettleDelay,
		},
	}, hub.Deps{
		Conn:      hub.FromStream(sc),
		Matcher:   api,
		Announcer: api,
		Narrator:  game.CatalogNarrator{R: catalog},
		Registry:  reg,
	})

	var runErr error
	if cfg.ReversiEnabled {
		obslog.L().Info("reversi_bot_ready")
		runErr = h.Run(ctx)
	} else {
		obslog.L().Info("reversi_bot_disabled")
		<-ctx.Done()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs error
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	}
	if err := h.Close(sctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := sc.Close(sctx); err != nil && !errors.Is(err, stream.ErrClosed) {
		errs = multierror.Append(errs, fmt.Errorf("close stream: %w", err))
	}
	return errs
}
