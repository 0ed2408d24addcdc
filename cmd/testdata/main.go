package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/config"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// Seeds a local database with a provider, a demo conversation and default
// settings for manual testing.
func main() {
	if err := godotenv.Load(); err != nil {
		logging.LogDebugf("No .env file loaded: %v", err)
	}
	config.SetupEnv()

	var (
		db  *gorm.DB
		err error
	)
	switch viper.GetString("DB_DRIVER") {
	case "postgres":
		db, err = gorm.Open(postgres.Open(config.PostgresDSN()), &gorm.Config{})
	default:
		db, err = gorm.Open(sqlite.Open(viper.GetString("SQLITE_PATH")), &gorm.Config{})
	}
	if err != nil {
		logging.LogErrorf(err, "Failed to open database")
		os.Exit(1)
	}
	if err := models.MigrationFunc(db); err != nil {
		logging.LogErrorf(err, "Failed to migrate database")
		os.Exit(1)
	}

	st := store.New(db)
	ctx := context.Background()

	caps, _ := json.Marshal([]models.ModelCapability{
		{Name: "gpt-4o-mini", SupportsTools: true},
		{Name: "gpt-4o", SupportsTools: true, SupportsVision: true},
	})
	provider := models.Provider{
		Name:         "local-openai",
		APIBase:      viper.GetString("AI_API_BASE"),
		APIKey:       viper.GetString("AI_API_KEY"),
		DefaultModel: "gpt-4o-mini",
		Models:       datatypes.JSON(caps),
		IsDefault:    true,
	}
	if err := st.CreateProvider(ctx, &provider); err != nil {
		logging.LogErrorf(err, "Failed to seed provider")
		os.Exit(1)
	}

	conversation := models.Conversation{ProviderID: &provider.ID}
	if err := st.CreateConversation(ctx, &conversation); err != nil {
		logging.LogErrorf(err, "Failed to seed conversation")
		os.Exit(1)
	}

	if err := st.SetSetting(ctx, models.SettingWebSearchSource, "duckduckgo"); err != nil {
		logging.LogErrorf(err, "Failed to seed settings")
		os.Exit(1)
	}

	logging.LogInfof("Seeded provider %s and conversation %s", provider.ID, conversation.ID)
}
