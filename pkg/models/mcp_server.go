package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MCPServer is a configured stdio MCP server the bridge can launch.
type MCPServer struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name      string         `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Command   string         `gorm:"size:500;not null" json:"command"`
	Args      datatypes.JSON `gorm:"type:jsonb" json:"args,omitempty"`
	Env       datatypes.JSON `gorm:"type:jsonb" json:"env,omitempty"`
	Enabled   bool           `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for MCPServer model
func (MCPServer) TableName() string {
	return "mcp_servers"
}

// BeforeCreate hook to ensure ID is set
func (s *MCPServer) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ArgList deserializes the stored argument array.
func (s *MCPServer) ArgList() ([]string, error) {
	if len(s.Args) == 0 {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal(s.Args, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// EnvMap deserializes the stored environment map.
func (s *MCPServer) EnvMap() (map[string]string, error) {
	if len(s.Env) == 0 {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal(s.Env, &env); err != nil {
		return nil, err
	}
	return env, nil
}
