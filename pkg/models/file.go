package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadedFile is a file attached to a conversation, inlined into the next
// chat turn and then marked processed.
type UploadedFile struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversationId"`
	Filename       string    `gorm:"size:500;not null" json:"filename"`
	StoredPath     string    `gorm:"size:1000;not null" json:"-"`
	ContentType    string    `gorm:"size:200" json:"contentType,omitempty"`
	SizeBytes      int64     `gorm:"default:0" json:"sizeBytes"`
	Processed      bool      `gorm:"not null;default:false;index" json:"processed"`
	CreatedAt      time.Time `json:"createdAt"`

	Conversation Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for UploadedFile model
func (UploadedFile) TableName() string {
	return "uploaded_files"
}

// BeforeCreate hook to ensure ID is set
func (f *UploadedFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// IsImage reports whether the file looks like an image by extension.
func (f *UploadedFile) IsImage() bool {
	return imageExtensions[strings.ToLower(filepath.Ext(f.Filename))]
}
