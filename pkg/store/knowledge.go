package store

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

// ChunkHit is a retrieval match from a knowledge base.
type ChunkHit struct {
	Content       string  `json:"content"`
	DocumentName  string  `json:"documentName"`
	KnowledgeBase string  `json:"knowledgeBase"`
	Score         float64 `json:"score"`
}

// CreateKnowledgeBase inserts a knowledge base.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	if err := s.db.WithContext(ctx).Create(kb).Error; err != nil {
		return errors.Wrap(err, "creating knowledge base")
	}
	return nil
}

// GetKnowledgeBase fetches a knowledge base by ID.
func (s *Store) GetKnowledgeBase(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := s.db.WithContext(ctx).First(&kb, "id = ?", id).Error; err != nil {
		return nil, translateErr(err, "fetching knowledge base")
	}
	return &kb, nil
}

// ListKnowledgeBases returns all knowledge bases with their documents.
func (s *Store) ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error) {
	var kbs []models.KnowledgeBase
	err := s.db.WithContext(ctx).
		Preload("Documents").
		Order("created_at ASC").
		Find(&kbs).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing knowledge bases")
	}
	return kbs, nil
}

// DeleteKnowledgeBase removes a knowledge base with its documents and chunks.
func (s *Store) DeleteKnowledgeBase(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id IN (SELECT id FROM documents WHERE knowledge_base_id = ?)", id).
			Delete(&models.Chunk{}).Error; err != nil {
			return errors.Wrap(err, "deleting chunks")
		}
		if err := tx.Where("knowledge_base_id = ?", id).Delete(&models.Document{}).Error; err != nil {
			return errors.Wrap(err, "deleting documents")
		}
		result := tx.Delete(&models.KnowledgeBase{}, "id = ?", id)
		if result.Error != nil {
			return errors.Wrap(result.Error, "deleting knowledge base")
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateDocument stores a document with its embedded chunks in one transaction.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc.ChunkCount = len(chunks)
		if err := tx.Create(doc).Error; err != nil {
			return errors.Wrap(err, "creating document")
		}
		for i := range chunks {
			chunks[i].DocumentID = doc.ID
			chunks[i].Position = i
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return errors.Wrap(err, "creating chunks")
			}
		}
		return nil
	})
}

// ListDocuments returns the documents of one knowledge base newest first.
func (s *Store) ListDocuments(ctx context.Context, kbID uuid.UUID) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("created_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing documents")
	}
	return docs, nil
}

// DeleteDocument removes a document and its chunks.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.Chunk{}).Error; err != nil {
			return errors.Wrap(err, "deleting chunks")
		}
		result := tx.Delete(&models.Document{}, "id = ?", id)
		if result.Error != nil {
			return errors.Wrap(result.Error, "deleting document")
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SearchChunks ranks stored chunks against the query embedding by cosine
// similarity and returns the topK best matches. When kbID is nil all
// knowledge bases are searched.
func (s *Store) SearchChunks(ctx context.Context, queryEmbedding []float64, kbID *uuid.UUID, topK int) ([]ChunkHit, error) {
	if topK <= 0 {
		topK = 3
	}

	query := s.db.WithContext(ctx).
		Table("chunks").
		Select("chunks.content, chunks.embedding, documents.filename AS document_name, knowledge_bases.name AS kb_name").
		Joins("JOIN documents ON documents.id = chunks.document_id").
		Joins("JOIN knowledge_bases ON knowledge_bases.id = documents.knowledge_base_id")
	if kbID != nil {
		query = query.Where("documents.knowledge_base_id = ?", *kbID)
	}

	var rows []struct {
		Content      string
		Embedding    []byte
		DocumentName string
		KbName       string
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "loading chunks")
	}

	hits := make([]ChunkHit, 0, len(rows))
	for _, row := range rows {
		chunk := models.Chunk{Embedding: datatypes.JSON(row.Embedding)}
		vec, err := chunk.EmbeddingVector()
		if err != nil || len(vec) == 0 {
			continue
		}
		score := cosineSimilarity(queryEmbedding, vec)
		hits = append(hits, ChunkHit{
			Content:       row.Content,
			DocumentName:  row.DocumentName,
			KnowledgeBase: row.KbName,
			Score:         score,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
