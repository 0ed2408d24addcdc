package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-chi/cors"
	"github.com/spf13/viper"
)

// Build information. Populated at build-time.
var (
	Name      string = "go-llm-chat"
	Version   string
	Branch    string
	Commit    string
	BuildUser string
	GoVersion = runtime.Version()
)

const (
	// EnvPrefix is a prefix to all ENV variables used in this app
	EnvPrefix = "GO_LLM_CHAT"
	// APIPrefixV1 URL prefix in API version 1
	APIPrefixV1 = "/api/v1"

	// ##### GENERAL VARIABLES
	// Debug is a flag used to display debug messages
	Debug = false
	// HumanReadableLogs set to true disables JSON formatting of logging
	HumanReadableLogs = false
	// DebugCORS is a flag used to display CORS debug messages
	DebugCORS = false
	// DefaultHost default host for the service
	DefaultHost = "localhost"
	// DefaultPort default port the service is served on
	DefaultPort = "8080"
	// DefaultCorsHosts default cors hosts for local development
	DefaultCorsHosts = "http://localhost:3000 http://localhost:5173"
	// DefaultUploadDir is where uploaded attachments are stored
	DefaultUploadDir = "./uploads"

	// ##### DATABASE VARIABLES

	// DefaultDBDriver selects postgres or sqlite
	DefaultDBDriver = "sqlite"
	// DefaultDBHost default host for the database connection
	DefaultDBHost = "localhost"
	// DefaultDBPort default port for the database connection
	DefaultDBPort = "5432"
	// DefaultDBName default name for the database connection
	DefaultDBName = "go-llm-chat"
	// DefaultDBUser default user for the database connection
	DefaultDBUser = "postgres"
	// DefaultDBPassword default password for the database connection
	DefaultDBPassword = "postgres"
	// DefaultDBSSLMode default ssl mode for the database connection
	DefaultDBSSLMode = "disable"
	// DefaultSQLitePath is the database file used with the sqlite driver
	DefaultSQLitePath = "./chat.db"

	// ##### UPSTREAM MODEL VARIABLES

	// DefaultAIAPIBase is the OpenAI-compatible endpoint used when no
	// provider row exists in the database
	DefaultAIAPIBase = ""
	// DefaultAIModel is the model used with the fallback endpoint
	DefaultAIModel = ""
	// DefaultEmbeddingModel is used for knowledge base queries
	DefaultEmbeddingModel = "text-embedding-3-small"
)

func bindEnvVariable(name string, fallback interface{}) {
	if fallback != "" {
		viper.SetDefault(name, fallback)
	}
	err := viper.BindEnv(name)
	if err != nil {
		// cannot use logging.LogError due to import cycle
		fmt.Printf("Error binding Env Variable: %v", err)
	}
}

// SetupEnv configures app to read ENV variables
func SetupEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	// General
	bindEnvVariable("DEBUG", Debug)
	bindEnvVariable("HUMAN_READABLE_LOGS", HumanReadableLogs)
	bindEnvVariable("DEBUG_CORS", DebugCORS)
	bindEnvVariable("HOST", DefaultHost)
	bindEnvVariable("PORT", DefaultPort)
	bindEnvVariable("CORS_HOSTS", DefaultCorsHosts)
	bindEnvVariable("UPLOAD_DIR", DefaultUploadDir)
	bindEnvVariable("HTTP_MAX_PARALLEL_REQUESTS", 8)
	bindEnvVariable("HTTP_REQUEST_TIMEOUT", "300s")
	// Database
	bindEnvVariable("DB_DRIVER", DefaultDBDriver)
	bindEnvVariable("DB_HOST", DefaultDBHost)
	bindEnvVariable("DB_PORT", DefaultDBPort)
	bindEnvVariable("DB_NAME", DefaultDBName)
	bindEnvVariable("DB_USER", DefaultDBUser)
	bindEnvVariable("DB_PASS", DefaultDBPassword)
	bindEnvVariable("DB_SSL_MODE", DefaultDBSSLMode)
	bindEnvVariable("SQLITE_PATH", DefaultSQLitePath)
	// Upstream model fallback
	bindEnvVariable("AI_API_BASE", DefaultAIAPIBase)
	bindEnvVariable("AI_API_KEY", "")
	bindEnvVariable("AI_MODEL", DefaultAIModel)
	bindEnvVariable("EMBEDDING_MODEL", DefaultEmbeddingModel)
	bindEnvVariable("DEFAULT_SYSTEM_PROMPT", "")
	// Agent
	bindEnvVariable("AGENT_MAX_TOOL_ITERATIONS", 5)
	bindEnvVariable("AGENT_MAX_STREAM_ROUNDS", 3)
	bindEnvVariable("AGENT_MAX_CONTEXT_TURNS", 6)
	bindEnvVariable("AGENT_TOOL_EXECUTION_TIMEOUT", "60s")
}

// AgentConfig represents configuration for the agent orchestrator
type AgentConfig struct {
	MaxToolIterations    int
	MaxStreamRounds      int
	MaxContextTurns      int
	ToolExecutionTimeout time.Duration
	DefaultSystemPrompt  string
	EmbeddingModel       string
}

// GetAgentConfig returns agent configuration from viper
func GetAgentConfig() AgentConfig {
	return AgentConfig{
		MaxToolIterations:    viper.GetInt("AGENT_MAX_TOOL_ITERATIONS"),
		MaxStreamRounds:      viper.GetInt("AGENT_MAX_STREAM_ROUNDS"),
		MaxContextTurns:      viper.GetInt("AGENT_MAX_CONTEXT_TURNS"),
		ToolExecutionTimeout: viper.GetDuration("AGENT_TOOL_EXECUTION_TIMEOUT"),
		DefaultSystemPrompt:  viper.GetString("DEFAULT_SYSTEM_PROMPT"),
		EmbeddingModel:       viper.GetString("EMBEDDING_MODEL"),
	}
}

// FallbackProviderConfig holds the env-level upstream used when the
// database has no provider rows.
type FallbackProviderConfig struct {
	APIBase string
	APIKey  string
	Model   string
}

// GetFallbackProvider returns the env-configured upstream fallback
func GetFallbackProvider() FallbackProviderConfig {
	return FallbackProviderConfig{
		APIBase: viper.GetString("AI_API_BASE"),
		APIKey:  viper.GetString("AI_API_KEY"),
		Model:   viper.GetString("AI_MODEL"),
	}
}

// PostgresDSN assembles the postgres connection string from viper
func PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		viper.GetString("DB_HOST"),
		viper.GetString("DB_PORT"),
		viper.GetString("DB_USER"),
		viper.GetString("DB_PASS"),
		viper.GetString("DB_NAME"),
		viper.GetString("DB_SSL_MODE"),
	)
}

// CorsConfig stores default configuration for CORS middleware
func CorsConfig(corsHosts []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   corsHosts,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Language"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true, // header "Access-Control-Allow-Credentials" is not present if this is set to false
		MaxAge:           300,  // Maximum value not ignored by any of major browsers,
		Debug:            viper.GetBool("DEBUG_CORS"),
	}
}
