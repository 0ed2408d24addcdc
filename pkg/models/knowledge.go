package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KnowledgeBase groups uploaded documents for retrieval.
type KnowledgeBase struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name        string    `gorm:"size:200;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Documents []Document `gorm:"foreignKey:KnowledgeBaseID;constraint:OnDelete:CASCADE" json:"documents,omitempty"`
}

// TableName specifies the table name for KnowledgeBase model
func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// BeforeCreate hook to ensure ID is set
func (kb *KnowledgeBase) BeforeCreate(tx *gorm.DB) error {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	return nil
}

// Document is one ingested file inside a knowledge base.
type Document struct {
	ID              uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	KnowledgeBaseID uuid.UUID `gorm:"type:uuid;not null;index" json:"knowledgeBaseId"`
	Filename        string    `gorm:"size:500;not null" json:"filename"`
	ChunkCount      int       `gorm:"default:0" json:"chunkCount"`
	CreatedAt       time.Time `json:"createdAt"`

	KnowledgeBase KnowledgeBase `gorm:"foreignKey:KnowledgeBaseID;constraint:OnDelete:CASCADE" json:"-"`
	Chunks        []Chunk       `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Document model
func (Document) TableName() string {
	return "documents"
}

// BeforeCreate hook to ensure ID is set
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Chunk is an embedded slice of a document.
type Chunk struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	DocumentID uuid.UUID      `gorm:"type:uuid;not null;index" json:"documentId"`
	Position   int            `gorm:"not null" json:"position"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	Embedding  datatypes.JSON `gorm:"type:jsonb" json:"-"`
	CreatedAt  time.Time      `json:"createdAt"`

	Document Document `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Chunk model
func (Chunk) TableName() string {
	return "chunks"
}

// BeforeCreate hook to ensure ID is set
func (c *Chunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// SetEmbedding stores the embedding vector as JSON.
func (c *Chunk) SetEmbedding(vec []float64) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	c.Embedding = datatypes.JSON(raw)
	return nil
}

// EmbeddingVector deserializes the stored embedding.
func (c *Chunk) EmbeddingVector() ([]float64, error) {
	if len(c.Embedding) == 0 {
		return nil, nil
	}
	var vec []float64
	if err := json.Unmarshal(c.Embedding, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
