// Command mantle runs the agent serving platform.
//
// Usage:
//
//	mantle serve
//	mantle worker
//	mantle token --user alice
//
// All configuration comes from AGENT_-prefixed environment variables; see
// pkg/config. Flags below override the environment where noted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/config"
	"github.com/kadirpekel/mantle/pkg/server"
)

type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server with an embedded job worker."`
	Worker  WorkerCmd  `cmd:"" help:"Run a standalone job worker."`
	Token   TokenCmd   `cmd:"" help:"Issue a signed access token."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mantle %s\n", version)
	return nil
}

type ServeCmd struct {
	Port     int  `help:"Port to listen on (overrides AGENT_PORT)." default:"0"`
	NoWorker bool `name:"no-worker" help:"Disable the embedded job worker."`
}

func (c *ServeCmd) Run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if c.Port > 0 {
		settings.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := server.Bootstrap(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	if !c.NoWorker {
		go func() {
			if err := app.Worker.Run(ctx); err != nil {
				slog.Error("worker stopped", "error", err)
			}
		}()
	}

	return server.New(app).Run(ctx)
}

type WorkerCmd struct {
	Concurrency int `help:"Concurrent job slots (overrides AGENT_WORKER_CONCURRENCY)." default:"0"`
}

func (c *WorkerCmd) Run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if c.Concurrency > 0 {
		settings.WorkerConcurrency = c.Concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := server.Bootstrap(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("worker starting", "concurrency", settings.WorkerConcurrency)
	return app.Worker.Run(ctx)
}

type TokenCmd struct {
	User       string        `help:"User ID the token identifies." required:""`
	Role       string        `help:"Role claim (member or admin)." default:"member"`
	Workspaces []string      `help:"Workspace IDs granted to the token."`
	TTL        time.Duration `help:"Token lifetime (0 uses the configured expiry)." default:"0"`
}

func (c *TokenCmd) Run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(settings.JWT)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(c.User, c.Role, c.Workspaces, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("mantle"),
		kong.Description("Multi-tenant LLM agent serving platform."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
