package models

import (
	"time"

	"gorm.io/gorm"
)

// KnowledgeDocument is one row of the retrieval index: a table rule or a
// sample query, with its embedding stored as a pgvector column. The column
// type is created by raw SQL in main since GORM has no native vector type.
type KnowledgeDocument struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Source    string         `gorm:"size:255;not null" json:"source"`
	TableName string         `gorm:"size:255;index" json:"table_name,omitempty"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
