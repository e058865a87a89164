// Package repository provides typed repositories over the transactional
// store. Each repository follows the same contracts: creates return the
// stored entity with its assigned identifier, updates take an expected
// version and fail with a conflict when stale, soft deletes set deleted_at
// and exclude the row from default reads, and list operations accept limit,
// offset, deterministic ordering, and an include_deleted flag.
//
// Multi-entity writes (binding an upload while creating its document,
// replacing a document's chunks) run in a single transaction. The
// repositories enforce the hierarchical-path invariant for collections and
// the dense-ordinal invariant for chunks at write time.
package repository

import (
	"context"
	"time"

	"rag.evalgo.org/db"
)

// ListOptions is the common pagination contract.
type ListOptions struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
	Search         string
}

// Users manages user accounts.
type Users interface {
	Create(ctx context.Context, user *db.User) (*db.User, error)
	Get(ctx context.Context, id string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	List(ctx context.Context, opts ListOptions) ([]*db.User, error)
	Update(ctx context.Context, user *db.User, expectedVersion int) (*db.User, error)
	// RecordLoginAttempt updates the failure counter and lock state without
	// bumping the optimistic-concurrency version.
	RecordLoginAttempt(ctx context.Context, id string, failed int, lockedUntil *time.Time) error
}

// Tokens manages opaque access and refresh tokens. Only hashes are stored.
type Tokens interface {
	SaveAccessToken(ctx context.Context, token *db.AccessToken) error
	GetAccessTokenByHash(ctx context.Context, hash string) (*db.AccessToken, error)
	RevokeAccessToken(ctx context.Context, id string) error
	SaveRefreshToken(ctx context.Context, token *db.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeUserTokens(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Collections manages the document hierarchy. Rename and move recompute the
// materialized path of the node and all descendants atomically.
type Collections interface {
	Create(ctx context.Context, col *db.Collection) (*db.Collection, error)
	Get(ctx context.Context, id string) (*db.Collection, error)
	List(ctx context.Context, ownerID string, parentID *string, opts ListOptions) ([]*db.Collection, error)
	// Update applies name/description/icon/color/parent changes and
	// recomputes descendant paths when the name or parent changed.
	Update(ctx context.Context, col *db.Collection, expectedVersion int) (*db.Collection, error)
	SoftDelete(ctx context.Context, id string) error
	// HardDeleteSubtree removes the collection, its descendants, their
	// documents and chunks in one transaction and returns the affected
	// collection and document ids so callers can purge the vector index.
	HardDeleteSubtree(ctx context.Context, id string) (collectionIDs []string, documentIDs []string, err error)
	// Subtree returns the collection and all descendants, deepest last.
	Subtree(ctx context.Context, id string) ([]*db.Collection, error)
	// AdjustDocumentCount adds delta to the cached total_document_count of
	// the collection and every ancestor, in one transaction.
	AdjustDocumentCount(ctx context.Context, id string, delta int) error
}

// Documents manages documents and their chunks.
type Documents interface {
	// CreateFromUpload binds the upload and creates the document in one
	// transaction. Binding an already-bound upload fails with a conflict;
	// an expired upload fails with gone.
	CreateFromUpload(ctx context.Context, doc *db.Document, uploadID string) (*db.Document, error)
	Get(ctx context.Context, id string) (*db.Document, error)
	List(ctx context.Context, collectionIDs []string, opts ListOptions) ([]*db.Document, error)
	UpdateStatus(ctx context.Context, id, status string, processedAt *time.Time) error
	UpdateProgress(ctx context.Context, id, stage string, percent int, message string) error
	// ReplaceChunks deletes existing chunks and inserts the new set with the
	// final chunk count, in one transaction. Ordinals must form the dense
	// range [0, len(chunks)).
	ReplaceChunks(ctx context.Context, documentID string, chunks []*db.Chunk) error
	PurgeChunks(ctx context.Context, documentID string) error
	Chunks(ctx context.Context, documentID string) ([]*db.Chunk, error)
	ChunksByIDs(ctx context.Context, ids []string) ([]*db.Chunk, error)
	SoftDelete(ctx context.Context, id string) error
	HardDelete(ctx context.Context, id string) error
}

// Uploads manages phase-one uploads.
type Uploads interface {
	Create(ctx context.Context, upload *db.Upload) (*db.Upload, error)
	Get(ctx context.Context, id string) (*db.Upload, error)
	MarkExpired(ctx context.Context, id string) error
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*db.Upload, error)
}

// Conversations manages chat threads.
type Conversations interface {
	Create(ctx context.Context, conv *db.Conversation) (*db.Conversation, error)
	Get(ctx context.Context, id string) (*db.Conversation, error)
	List(ctx context.Context, ownerID string, opts ListOptions) ([]*db.Conversation, error)
	Update(ctx context.Context, conv *db.Conversation, expectedVersion int) (*db.Conversation, error)
	SoftDelete(ctx context.Context, id string) error
}

// Messages manages the append-only message log and tool-call records.
type Messages interface {
	// Append inserts the message and increments the conversation's message
	// count in one transaction.
	Append(ctx context.Context, msg *db.Message) (*db.Message, error)
	Get(ctx context.Context, id string) (*db.Message, error)
	List(ctx context.Context, conversationID string, opts ListOptions) ([]*db.Message, error)
	// UpdateContent persists streaming partials without a status change.
	UpdateContent(ctx context.Context, id, content, thinking string) error
	// UpdateStatus enforces the pending -> streaming -> {complete|error}
	// order; regressions fail with a conflict.
	UpdateStatus(ctx context.Context, id, status string) error
	SetUsage(ctx context.Context, id string, promptTokens, completionTokens int) error
	FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*db.Message, error)
	FindReply(ctx context.Context, userMessageID string) (*db.Message, error)

	SaveToolCall(ctx context.Context, call *db.ToolCall) error
	UpdateToolCall(ctx context.Context, call *db.ToolCall) error
	ToolCalls(ctx context.Context, messageID string) ([]*db.ToolCall, error)
}

// Repositories bundles every repository over a shared connection.
type Repositories struct {
	Users         Users
	Tokens        Tokens
	Collections   Collections
	Documents     Documents
	Uploads       Uploads
	Conversations Conversations
	Messages      Messages
}
