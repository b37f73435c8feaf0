package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dkrasnov/replybot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// embedBatchSize bounds one embeddings request during corpus sync.
const embedBatchSize = 64

// SyncCorpus reads markdown files from dir, embeds their contents, and
// upserts one Document row per file. File order (sorted by name) defines
// corpus insertion order. Returns the number of documents written.
func SyncCorpus(ctx context.Context, db *gorm.DB, embedder Embedder, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("rag: read corpus dir %s: %w", dir, err)
	}

	type doc struct {
		key     string
		title   string
		content string
	}
	var docs []doc
	for _, entry := range sortedMarkdown(entries) {
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("rag: skip unreadable corpus file %s: %v", path, err)
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		docs = append(docs, doc{
			key:     stem,
			title:   titleFromStem(stem),
			content: string(data),
		})
	}
	if len(docs) == 0 {
		return 0, nil
	}

	// Embed in batches; without an embedder the documents are stored with
	// empty vectors and retrieval degrades to lexical scoring.
	vectors := make([][]float32, len(docs))
	if embedder != nil {
		for start := 0; start < len(docs); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(docs) {
				end = len(docs)
			}
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, d.content)
			}
			batch, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return 0, fmt.Errorf("rag: embed corpus batch: %w", err)
			}
			copy(vectors[start:end], batch)
		}
	}

	for i, d := range docs {
		embedding := ""
		if vectors[i] != nil {
			raw, err := json.Marshal(vectors[i])
			if err != nil {
				return 0, fmt.Errorf("rag: encode embedding for %s: %w", d.key, err)
			}
			embedding = string(raw)
		}
		row := models.Document{
			SourceKey: d.key,
			Title:     d.title,
			Content:   d.content,
			Embedding: embedding,
			Position:  i,
			UpdatedAt: time.Now(),
		}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "content", "embedding", "position", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return 0, fmt.Errorf("rag: store document %s: %w", d.key, err)
		}
	}
	return len(docs), nil
}

// LoadIndex reads all Document rows into an in-memory Index.
func LoadIndex(ctx context.Context, db *gorm.DB, embedder Embedder, candidatePool int, minScore float64) (*Index, error) {
	var rows []models.Document
	if err := db.WithContext(ctx).Order("position").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("rag: load documents: %w", err)
	}

	snippets := make([]Snippet, 0, len(rows))
	for _, row := range rows {
		var vec []float32
		if row.Embedding != "" {
			if err := json.Unmarshal([]byte(row.Embedding), &vec); err != nil {
				log.Printf("rag: document %s has a corrupt embedding, indexing without vector", row.SourceKey)
				vec = nil
			}
		}
		snippets = append(snippets, Snippet{
			Title:  row.Title,
			Text:   row.Content,
			Vector: vec,
		})
	}
	return NewIndex(IndexOpts{
		Snippets:      snippets,
		Embedder:      embedder,
		CandidatePool: candidatePool,
		MinScore:      minScore,
	}), nil
}

// sortedMarkdown filters directory entries down to markdown files sorted
// by name.
func sortedMarkdown(entries []fs.DirEntry) []fs.DirEntry {
	var md []fs.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			md = append(md, e)
		}
	}
	sort.Slice(md, func(i, j int) bool { return md[i].Name() < md[j].Name() })
	return md
}

// titleFromStem turns a file stem like "pricing_plans" into "Pricing Plans".
func titleFromStem(stem string) string {
	words := strings.Split(strings.ReplaceAll(stem, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}
