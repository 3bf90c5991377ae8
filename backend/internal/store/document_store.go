package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Document 是文档表的一行，HeadRevision 为 authority 最后确认的 id
type Document struct {
	DocID        string `gorm:"primaryKey;type:varchar(128)"`
	OwnerID      uint64 `gorm:"index"`
	Title        string `gorm:"type:varchar(255);index"`
	HeadRevision int64  `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Migrate() error {
	return s.db.AutoMigrate(&Document{})
}

// GetDocumentID 按标题查文档
func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("title = ?", title).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return doc.DocID, nil
}

func (s *DocumentStore) Get(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error {
	return s.db.WithContext(ctx).Create(&Document{
		DocID:   docID,
		OwnerID: ownerID,
		Title:   title,
	}).Error
}

// Touch 记录新的 head，不会回退
func (s *DocumentStore) Touch(ctx context.Context, docID string, head int64) error {
	doc := Document{DocID: docID, HeadRevision: head}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.Set{{
				Column: clause.Column{Name: "head_revision"},
				Value:  gorm.Expr("GREATEST(head_revision, ?)", head),
			}},
		}).
		Create(&doc).Error
}

func (s *DocumentStore) List(ctx context.Context, limit int) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&docs).Error
	return docs, err
}
