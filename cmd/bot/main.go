package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"pomobot/internal/app"
	"pomobot/internal/config"
	logx "pomobot/pkg/logx"
)

// Version is injected at build time via -ldflags "-X main.Version=...".
var Version = "dev"

type CLI struct {
	Config   string           `help:"Path to a JSON or YAML config file. Empty means environment only." type:"path" env:"POMOBOT_CONFIG"`
	EnvFile  string           `help:"Optional .env file loaded before the environment is read." default:".env" name:"env-file"`
	LogLevel string           `help:"Override logging.level (debug, info, warn, error)." name:"log-level"`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("pomobot"),
		kong.Description("Pomodoro timer bot for Telegram chats."),
		kong.Vars{"version": Version},
		kong.UsageOnError(),
	)

	boot := logx.NewConsole(cli.LogLevel)
	if err := config.LoadEnvFile(cli.EnvFile); err != nil {
		boot.Error("env file", logx.String("path", cli.EnvFile), logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cli.Config, LogLevel: cli.LogLevel})
	if err != nil {
		boot.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	if err := a.Err(); err != nil {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}
