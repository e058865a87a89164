// Package catalog manages the collection hierarchy and the document
// lifecycle: the two-phase upload, ingestion enqueueing, listing, and the
// delete cascades across the transactional store, the vector index, and
// blob storage.
package catalog

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/queue"
	"rag.evalgo.org/storage"
	"rag.evalgo.org/vector"
)

const defaultUploadTTL = 24 * time.Hour

// allowedMIMEs are the content types the extraction stage understands.
// Parameters (charset) are stripped before the check; any other text/*
// subtype is also accepted.
var allowedMIMEs = map[string]bool{
	"text/plain":            true,
	"text/markdown":         true,
	"text/x-markdown":       true,
	"text/csv":              true,
	"text/html":             true,
	"application/xhtml+xml": true,
	"application/json":      true,
}

// Service is the collection/document façade used by the API layer.
type Service struct {
	repos   *repository.Repositories
	vectors vector.Store
	blobs   storage.BlobStore
	jobs    queue.JobQueue
	cfg     config.IngestConfig
}

// NewService wires the catalog dependencies.
func NewService(repos *repository.Repositories, vectors vector.Store, blobs storage.BlobStore, jobs queue.JobQueue, cfg config.IngestConfig) *Service {
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = defaultUploadTTL
	}
	return &Service{repos: repos, vectors: vectors, blobs: blobs, jobs: jobs, cfg: cfg}
}

// CollectionInput carries create/update fields for a collection.
type CollectionInput struct {
	Name        string
	Description string
	Icon        string
	Color       string
	Kind        string
	ParentID    *string
}

// CreateCollection validates the input and the parent, then creates the
// node. The repository computes the materialized path.
func (s *Service) CreateCollection(ctx context.Context, ownerID string, input CollectionInput) (*db.Collection, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, common.E(common.KindValidation, "EMPTY_NAME", "collection name must not be empty")
	}
	kind := input.Kind
	if kind == "" {
		kind = db.CollectionKindCollection
	}
	if kind != db.CollectionKindCollection && kind != db.CollectionKindFolder {
		return nil, common.E(common.KindValidation, "INVALID_KIND",
			"collection kind must be collection or folder")
	}
	if input.ParentID != nil {
		if _, err := s.ownedCollection(ctx, ownerID, *input.ParentID); err != nil {
			return nil, err
		}
	}
	return s.repos.Collections.Create(ctx, &db.Collection{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Name:        name,
		Description: input.Description,
		Icon:        input.Icon,
		Color:       input.Color,
		Kind:        kind,
		ParentID:    input.ParentID,
	})
}

// GetCollection fetches one owned collection.
func (s *Service) GetCollection(ctx context.Context, ownerID, id string) (*db.Collection, error) {
	return s.ownedCollection(ctx, ownerID, id)
}

// ListCollections lists the owner's collections, optionally below one
// parent.
func (s *Service) ListCollections(ctx context.Context, ownerID string, parentID *string, opts repository.ListOptions) ([]*db.Collection, error) {
	return s.repos.Collections.List(ctx, ownerID, parentID, opts)
}

// UpdateCollection renames or moves the collection. Moves and renames
// recompute descendant paths atomically in the repository.
func (s *Service) UpdateCollection(ctx context.Context, ownerID, id string, input CollectionInput, expectedVersion int) (*db.Collection, error) {
	col, err := s.ownedCollection(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	// Callers that do not track versions get last-write-wins.
	if expectedVersion <= 0 {
		expectedVersion = col.Version
	}
	if input.Name != "" {
		col.Name = strings.TrimSpace(input.Name)
	}
	if input.Description != "" {
		col.Description = input.Description
	}
	if input.Icon != "" {
		col.Icon = input.Icon
	}
	if input.Color != "" {
		col.Color = input.Color
	}
	if input.ParentID != nil {
		if *input.ParentID == id {
			return nil, common.E(common.KindValidation, "CYCLIC_MOVE", "collection cannot be its own parent")
		}
		if *input.ParentID != "" {
			parent, err := s.ownedCollection(ctx, ownerID, *input.ParentID)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(parent.Path, col.Path+"/") || parent.Path == col.Path {
				return nil, common.E(common.KindValidation, "CYCLIC_MOVE",
					"collection cannot be moved below its own subtree")
			}
			col.ParentID = input.ParentID
		} else {
			col.ParentID = nil
		}
	}
	return s.repos.Collections.Update(ctx, col, expectedVersion)
}

// DeleteCollection soft-deletes by default. With hard set, the whole
// subtree, its documents, chunks, vector records, and blobs are removed
// irreversibly.
func (s *Service) DeleteCollection(ctx context.Context, ownerID, id string, hard bool) error {
	col, err := s.ownedCollection(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !hard {
		return s.repos.Collections.SoftDelete(ctx, col.ID)
	}

	// Collect blob handles before the rows disappear.
	subtree, err := s.repos.Collections.Subtree(ctx, col.ID)
	if err != nil {
		return err
	}
	subtreeIDs := make([]string, 0, len(subtree))
	for _, node := range subtree {
		subtreeIDs = append(subtreeIDs, node.ID)
	}
	docs, err := s.repos.Documents.List(ctx, subtreeIDs, repository.ListOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}

	collectionIDs, _, err := s.repos.Collections.HardDeleteSubtree(ctx, col.ID)
	if err != nil {
		return err
	}
	for _, cid := range collectionIDs {
		if err := s.vectors.DeleteByCollection(ctx, cid); err != nil {
			common.Logger.WithError(err).WithField("collection_id", cid).
				Error("failed to purge vector records for deleted collection")
		}
	}
	for _, doc := range docs {
		if doc.StorageKey == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
			common.Logger.WithError(err).WithField("document_id", doc.ID).
				Warn("failed to delete blob for deleted document")
		}
	}
	common.Logger.WithFields(logrus.Fields{
		"collection_id": col.ID,
		"collections":   len(collectionIDs),
		"documents":     len(docs),
	}).Info("collection subtree hard-deleted")
	return nil
}

// BeginUpload is phase one: validate and store the bytes, create the upload
// record, return its id for the later bind.
func (s *Service) BeginUpload(ctx context.Context, ownerID, fileName, mimeType string, size int64, body io.Reader) (*db.Upload, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, common.E(common.KindValidation, "EMPTY_FILENAME", "file name must not be empty")
	}
	if size <= 0 {
		return nil, common.E(common.KindValidation, "EMPTY_FILE", "file must not be empty")
	}
	if s.cfg.MaxUploadSize > 0 && size > s.cfg.MaxUploadSize {
		return nil, common.E(common.KindPayloadTooLarge, "FILE_TOO_LARGE",
			"file of "+humanize.Bytes(uint64(size))+" exceeds the limit of "+
				humanize.Bytes(uint64(s.cfg.MaxUploadSize)))
	}
	if !mimeAllowed(mimeType) {
		return nil, common.E(common.KindValidation, "UNSUPPORTED_TYPE",
			"cannot ingest files of type "+mimeType).
			WithSuggestions("upload plain text, markdown, HTML, CSV or JSON")
	}

	id := uuid.New().String()
	key := storage.UploadKey(id)
	if err := s.blobs.Put(ctx, key, io.LimitReader(body, size), size, mimeType); err != nil {
		return nil, err
	}

	upload, err := s.repos.Uploads.Create(ctx, &db.Upload{
		ID:           id,
		OwnerID:      ownerID,
		FileName:     fileName,
		DeclaredSize: size,
		MimeType:     mimeType,
		StorageKey:   key,
		ExpiresAt:    time.Now().Add(s.cfg.UploadTTL),
	})
	if err != nil {
		// The blob is orphaned otherwise.
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			common.Logger.WithError(delErr).WithField("key", key).
				Warn("failed to reclaim blob after upload create failure")
		}
		return nil, err
	}
	return upload, nil
}

// BindInput is phase two of the upload.
type BindInput struct {
	UploadID     string
	CollectionID string
	Title        string
	Description  string
}

// BindUpload binds the upload, creates the pending document, and enqueues
// the ingestion job. Rebinding fails with conflict, an expired upload with
// gone, and a full queue with busy.
func (s *Service) BindUpload(ctx context.Context, ownerID string, input BindInput) (*db.Document, error) {
	if _, err := s.ownedCollection(ctx, ownerID, input.CollectionID); err != nil {
		return nil, err
	}
	upload, err := s.repos.Uploads.Get(ctx, input.UploadID)
	if err != nil {
		return nil, err
	}
	if upload.OwnerID != ownerID {
		return nil, common.E(common.KindForbidden, "UPLOAD_FORBIDDEN", "upload belongs to another user")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = upload.FileName
	}
	doc, err := s.repos.Documents.CreateFromUpload(ctx, &db.Document{
		CollectionID: input.CollectionID,
		Title:        title,
		Description:  input.Description,
	}, upload.ID)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Collections.AdjustDocumentCount(ctx, input.CollectionID, 1); err != nil {
		common.Logger.WithError(err).WithField("collection_id", input.CollectionID).
			Error("failed to adjust document count")
	}

	if err := s.jobs.Publish(ctx, queue.Job{
		DocumentID:   doc.ID,
		CollectionID: doc.CollectionID,
		StorageKey:   doc.StorageKey,
		Attempt:      1,
		EnqueuedAt:   time.Now(),
	}); err != nil {
		if statusErr := s.repos.Documents.UpdateStatus(ctx, doc.ID, db.DocumentStatusFailed, nil); statusErr != nil {
			common.Logger.WithError(statusErr).WithField("document_id", doc.ID).
				Error("failed to mark unqueued document failed")
		}
		return nil, err
	}
	return doc, nil
}

// GetDocument fetches one document after checking collection ownership.
func (s *Service) GetDocument(ctx context.Context, ownerID, id string) (*db.Document, error) {
	doc, err := s.repos.Documents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedCollection(ctx, ownerID, doc.CollectionID); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments lists the owner's documents, optionally restricted to one
// collection's subtree.
func (s *Service) ListDocuments(ctx context.Context, ownerID string, collectionID *string, opts repository.ListOptions) ([]*db.Document, error) {
	var collectionIDs []string
	if collectionID != nil && *collectionID != "" {
		if _, err := s.ownedCollection(ctx, ownerID, *collectionID); err != nil {
			return nil, err
		}
		subtree, err := s.repos.Collections.Subtree(ctx, *collectionID)
		if err != nil {
			return nil, err
		}
		for _, node := range subtree {
			collectionIDs = append(collectionIDs, node.ID)
		}
	} else {
		cols, err := s.repos.Collections.List(ctx, ownerID, nil, repository.ListOptions{})
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, nil
		}
		for _, col := range cols {
			collectionIDs = append(collectionIDs, col.ID)
		}
	}
	return s.repos.Documents.List(ctx, collectionIDs, opts)
}

// DeleteDocument removes the document, its chunks, vector records, and blob.
// Deleting an already-deleted document is a no-op.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, id string) error {
	doc, err := s.repos.Documents.Get(ctx, id)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.ownedCollection(ctx, ownerID, doc.CollectionID); err != nil {
		return err
	}

	if err := s.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.repos.Documents.HardDelete(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.repos.Collections.AdjustDocumentCount(ctx, doc.CollectionID, -1); err != nil {
		common.Logger.WithError(err).WithField("collection_id", doc.CollectionID).
			Error("failed to adjust document count")
	}
	if doc.StorageKey != "" {
		if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
			common.Logger.WithError(err).WithField("document_id", doc.ID).
				Warn("failed to delete blob for deleted document")
		}
	}
	return nil
}

// QueueDepth reports the pending ingestion backlog.
func (s *Service) QueueDepth() (int, error) {
	return s.jobs.Depth()
}

func (s *Service) ownedCollection(ctx context.Context, ownerID, id string) (*db.Collection, error) {
	col, err := s.repos.Collections.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && col.OwnerID != ownerID {
		return nil, common.E(common.KindForbidden, "COLLECTION_FORBIDDEN",
			"collection belongs to another user")
	}
	return col, nil
}

func mimeAllowed(mimeType string) bool {
	base := mimeType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	if allowedMIMEs[base] {
		return true
	}
	return strings.HasPrefix(base, "text/")
}
