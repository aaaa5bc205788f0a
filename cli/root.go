// Package cli wires the n3n server: configuration, persistence, the node
// registry, the execution engine, the plugin orchestrator, the AI builder,
// and the HTTP API, with graceful shutdown on SIGINT/SIGTERM.
package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/api"
	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
	"github.com/n3n-io/n3n/credential"
	"github.com/n3n-io/n3n/db"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/llm"
	"github.com/n3n-io/n3n/node"
	"github.com/n3n-io/n3n/node/builtin"
	"github.com/n3n-io/n3n/orchestrator"
	"github.com/n3n-io/n3n/ratelimit"
	"github.com/n3n-io/n3n/session"
)

var cfgFile string

// RootCmd is the n3n entry point. The bare command runs the server.
var RootCmd = &cobra.Command{
	Use:   "n3n",
	Short: "workflow automation platform",
	Long: `n3n runs the workflow automation platform: the flow execution
engine, the plugin container orchestrator, the AI flow builder, and the
HTTP API in a single process.

Configuration is read from config.yaml (see --config) and N3N_*
environment variables.`,
	Run: runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the n3n server",
	Run:   runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.n3n, /etc/n3n)")
	RootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig("n3n", cfgFile)
	if err != nil {
		common.Logger.Fatalf("failed to load configuration: %v", err)
	}
	common.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		common.Logger.Fatalf("failed to open database: %v", err)
	}
	flows := db.NewPostgresFlowRepository(gdb)
	executions := db.NewPostgresExecutionRepository(gdb)
	credentials := db.NewPostgresCredentialRepository(gdb)
	conversations := db.NewPostgresConversationRepository(gdb)
	pendingChanges := db.NewPostgresPendingChangeRepository(gdb)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	registry := node.NewRegistry()
	builtin.RegisterAll(registry)

	var installer *orchestrator.Installer
	if orch, err := orchestrator.Select(cfg); err != nil {
		common.Logger.Warnf("plugin orchestrator unavailable, node plugins disabled: %v", err)
	} else {
		common.Logger.Infof("plugin orchestrator: %s", orch.Type())
		installer = orchestrator.NewInstaller(orch, registry)
	}

	resolver := credential.NewResolver(credentials, cfg.Credential.MasterKey)

	eng := engine.New(engine.Config{
		Registry:    registry,
		Credentials: resolver,
		Versions:    flows,
		Store:       executions,
		Bus:         engine.NewRedisBus(redisClient),
		Concurrency: cfg.Engine.Concurrency,
	})

	provider := llm.NewOpenAIProvider(cfg.LLM)
	supervisor := agent.NewDefaultSupervisor(provider, registry, cfg.Agent.MaxIterations)

	handlers := &api.Handlers{
		Engine:         eng,
		Flows:          flows,
		Executions:     executions,
		Supervisor:     supervisor,
		Limiter:        ratelimit.New(redisClient, cfg.RateLimit, nil),
		Sessions:       session.NewIsolator(redisClient),
		Installer:      installer,
		Conversations:  conversations,
		Summarizer:     agent.NewSummarizer(provider, cfg.Conversation),
		PendingChanges: pendingChanges,
		JWT:            api.NewJWTService(cfg.Server.JWTSecret),
		Secret:         cfg.Server.JWTSecret,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	api.SetupRoutes(e, handlers)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	go func() {
		common.Logger.Infof("server listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			common.Logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	common.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		common.Logger.Errorf("shutdown: %v", err)
	}
}
