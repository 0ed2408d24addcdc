package models

import "gorm.io/gorm"

// MigrationFunc runs the schema migration for all chat models.
func MigrationFunc(conn *gorm.DB) error {
	// use conn.Debug().AutoMigrate(...) to enable debugging
	return conn.AutoMigrate(
		&Provider{},
		&Conversation{},
		&Message{},
		&UploadedFile{},
		&KnowledgeBase{},
		&Document{},
		&Chunk{},
		&Setting{},
		&MCPServer{},
	)
}
