package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchq/internal/api"
	"dispatchq/internal/app"
	"dispatchq/internal/config"
	"dispatchq/pkg/logx"
	"dispatchq/pkg/systemd"
)

var version = "dev"

func main() {
	var (
		cfgPath  string
		issue    string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./dispatchq.yaml", "path to config (json or yaml)")
	flag.StringVar(&issue, "issue-token", "", "print an admin api token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	if issue != "" {
		if err := issueToken(cfgPath, issue, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(run(cfgPath))
}

func issueToken(cfgPath, subject string, ttl time.Duration) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is not set")
	}
	tok, err := api.NewAuthenticator(cfg.Admin.JWTSecret).Issue(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfgPath string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath, version)
	if err != nil {
		logx.NewConsole("info").Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		return 1
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	code := 0
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			log.Error("fatal", logx.Err(err))
			code = 1
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		code = 1
	}
	return code
}
