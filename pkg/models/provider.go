package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ModelCapability describes one model offered by a provider endpoint.
type ModelCapability struct {
	Name              string `json:"name"`
	DisplayName       string `json:"displayName,omitempty"`
	SupportsVision    bool   `json:"supportsVision,omitempty"`
	SupportsTools     bool   `json:"supportsTools,omitempty"`
	SupportsEmbedding bool   `json:"supportsEmbedding,omitempty"`
	SupportsImageGen  bool   `json:"supportsImageGen,omitempty"`
}

// Provider is a configured OpenAI-compatible upstream endpoint.
type Provider struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name         string         `gorm:"size:200;not null;uniqueIndex" json:"name"`
	APIBase      string         `gorm:"size:500;not null" json:"apiBase"`
	APIKey       string         `gorm:"size:500" json:"-"`
	DefaultModel string         `gorm:"size:100" json:"defaultModel,omitempty"`
	Models       datatypes.JSON `gorm:"type:jsonb" json:"models,omitempty"`
	IsDefault    bool           `gorm:"not null;default:false" json:"isDefault"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for Provider model
func (Provider) TableName() string {
	return "providers"
}

// BeforeCreate hook to ensure ID is set
func (p *Provider) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Capabilities deserializes the stored model list.
func (p *Provider) Capabilities() ([]ModelCapability, error) {
	if len(p.Models) == 0 {
		return nil, nil
	}
	var caps []ModelCapability
	if err := json.Unmarshal(p.Models, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

// ModelSupportsVision reports whether the named model is flagged as
// vision-capable in the provider's capability list.
func (p *Provider) ModelSupportsVision(model string) bool {
	caps, err := p.Capabilities()
	if err != nil {
		return false
	}
	for _, c := range caps {
		if c.Name == model {
			return c.SupportsVision
		}
	}
	return false
}
