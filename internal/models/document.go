package models

import "time"

// Document is one knowledge-base snippet with its precomputed embedding.
// Rows are written by the corpus loader and read-only for the pipeline.
// Embedding is a JSON array of float32 stored as text; Position preserves
// corpus insertion order for stable tie-breaking in search.
type Document struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SourceKey string `gorm:"size:128;uniqueIndex"` // file stem the snippet came from
	Title     string `gorm:"size:256"`
	Content   string `gorm:"type:text"`
	Embedding string `gorm:"type:text"`
	Position  int    `gorm:"not null;index"`
	UpdatedAt time.Time
}
