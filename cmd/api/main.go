package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/agent"
	"github.com/d4l-data4life/go-llm-chat/pkg/config"
	"github.com/d4l-data4life/go-llm-chat/pkg/llm"
	"github.com/d4l-data4life/go-llm-chat/pkg/mcp/manager"
	"github.com/d4l-data4life/go-llm-chat/pkg/metrics"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/server"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
	"github.com/d4l-data4life/go-llm-chat/pkg/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.LogDebugf("No .env file loaded: %v", err)
	}
	config.SetupEnv()

	db, err := openDatabase()
	if err != nil {
		logging.LogErrorf(err, "Failed to open database")
		os.Exit(1)
	}
	if err := models.MigrationFunc(db); err != nil {
		logging.LogErrorf(err, "Failed to migrate database")
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(db)
	gateway := llm.NewGateway()

	mcpManager := manager.NewManager()
	defer mcpManager.Shutdown()
	configureMCPBridge(runCtx, st, mcpManager)

	registry := tools.NewRegistry(gateway, st, st, mcpManager)

	agentCfg := config.GetAgentConfig()
	fallback := config.GetFallbackProvider()
	orchestrator := agent.New(st, gateway, registry, agent.Config{
		MaxToolIterations:    agentCfg.MaxToolIterations,
		MaxStreamRounds:      agentCfg.MaxStreamRounds,
		MaxContextTurns:      agentCfg.MaxContextTurns,
		ToolExecutionTimeout: agentCfg.ToolExecutionTimeout,
		DefaultSystemPrompt:  agentCfg.DefaultSystemPrompt,
		EmbeddingModel:       agentCfg.EmbeddingModel,
		FallbackProvider: llm.ProviderConfig{
			APIBase: fallback.APIBase,
			APIKey:  fallback.APIKey,
			Model:   fallback.Model,
		},
	})

	corsOptions := config.CorsConfig(strings.Split(viper.GetString("CORS_HOSTS"), " "))
	srv := server.NewServer(config.Name,
		cors.New(corsOptions),
		viper.GetInt("HTTP_MAX_PARALLEL_REQUESTS"),
		viper.GetDuration("HTTP_REQUEST_TIMEOUT"),
	)
	server.SetupRoutes(srv.Mux(), db, st, orchestrator, gateway, mcpManager)
	metrics.AddBuildInfoMetric(config.Version)

	addr := viper.GetString("HOST") + ":" + viper.GetString("PORT")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.LogInfof("Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogErrorf(err, "Server failed")
			stop()
		}
	}()

	<-runCtx.Done()
	logging.LogInfof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.LogErrorf(err, "Graceful shutdown failed")
	}
}

// openDatabase connects to postgres for service deployments or sqlite for
// the single-user local mode, selected by DB_DRIVER.
func openDatabase() (*gorm.DB, error) {
	switch viper.GetString("DB_DRIVER") {
	case "postgres":
		return gorm.Open(postgres.Open(config.PostgresDSN()), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(viper.GetString("SQLITE_PATH")), &gorm.Config{})
	}
}

// configureMCPBridge loads the enabled MCP servers from the database into
// the bridge.
func configureMCPBridge(ctx context.Context, st *store.Store, mcpManager *manager.Manager) {
	servers, err := st.ListMCPServers(ctx)
	if err != nil {
		logging.LogErrorf(err, "Failed to load MCP servers")
		return
	}
	configs := make([]manager.ServerConfig, 0, len(servers))
	for i := range servers {
		if !servers[i].Enabled {
			continue
		}
		args, err := servers[i].ArgList()
		if err != nil {
			logging.LogWarningf(err, "Skipping MCP server %s with invalid args", servers[i].Name)
			continue
		}
		env, err := servers[i].EnvMap()
		if err != nil {
			logging.LogWarningf(err, "Skipping MCP server %s with invalid env", servers[i].Name)
			continue
		}
		configs = append(configs, manager.ServerConfig{
			Name:    servers[i].Name,
			Command: servers[i].Command,
			Args:    args,
			Env:     env,
		})
	}
	mcpManager.Configure(configs)
	logging.LogInfof("Configured %d MCP servers", len(configs))
}
