package models

import "time"

// Setting is a key/value row for runtime configuration such as the default
// system prompt or third-party API keys.
type Setting struct {
	Key       string    `gorm:"size:200;primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Well-known setting keys.
const (
	SettingSystemPrompt    = "system_prompt"
	SettingTavilyAPIKey    = "tavily_api_key"
	SettingWebSearchSource = "web_search_source"
)

// TableName specifies the table name for Setting model
func (Setting) TableName() string {
	return "settings"
}
