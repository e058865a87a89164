// Package db defines the transactional store schema and connection handling.
// PostgreSQL is the sole source of truth for mutable state; the vector store
// is a denormalized index derived from it.
package db

import (
	"time"

	"gorm.io/gorm"
)

// Role names. Users carry a set of roles serialized as a comma-joined string
// column (see User.Roles).
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Collection kinds.
const (
	CollectionKindCollection = "collection"
	CollectionKindFolder     = "folder"
)

// Document lifecycle states.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusComplete   = "complete"
	DocumentStatusFailed     = "failed"
)

// Upload lifecycle states. An upload binds to a document exactly once.
const (
	UploadStateUploaded = "uploaded"
	UploadStateBound    = "bound"
	UploadStateExpired  = "expired"
)

// Conversation lifecycle states.
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusDeleted  = "deleted"
)

// Message lifecycle states. Transitions form a prefix of
// pending -> streaming -> {complete|error}; regressions are rejected.
const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
	MessageStatusError     = "error"
)

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
	MessageRoleTool      = "tool"
)

// ToolCall lifecycle states.
const (
	ToolCallStatePending  = "pending"
	ToolCallStateRunning  = "running"
	ToolCallStateComplete = "complete"
	ToolCallStateFailed   = "failed"
)

// User is an account in the system. Email is unique case-insensitively; the
// repository lowercases it before writes and lookups.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	DisplayName  string `gorm:"size:255"`
	PasswordHash string `gorm:"size:255"`
	Roles        string `gorm:"size:255;not null;default:user"`
	Active       bool   `gorm:"not null;default:true"`
	FailedLogins int    `gorm:"not null;default:0"`
	LockedUntil  *time.Time
	Version      int `gorm:"not null;default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AccessToken is an opaque bearer token. Only the SHA-256 of the token value
// is stored; the raw value is returned to the client once at issuance.
type AccessToken struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"index;size:36;not null"`
	TokenHash string `gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time
	Revoked   bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// RefreshToken is the long-lived half of a token pair. Rotation revokes the
// presented token and issues a new pair.
type RefreshToken struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"index;size:36;not null"`
	TokenHash string `gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time
	Revoked   bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Collection is a node in the document hierarchy. Path is the materialized
// join of ancestor names separated by "/"; the repository recomputes it on
// rename and move and enforces that no collection is its own ancestor.
type Collection struct {
	ID          string `gorm:"primaryKey;size:36"`
	OwnerID     string `gorm:"index;size:36;not null"`
	Name        string `gorm:"size:255;not null"`
	Description string
	Icon        string  `gorm:"size:64"`
	Color       string  `gorm:"size:32"`
	Kind        string  `gorm:"size:16;not null;default:collection"`
	ParentID    *string `gorm:"index;size:36"`
	Path        string  `gorm:"index;size:2048;not null"`
	// TotalDocumentCount includes documents of all descendants and is
	// maintained transactionally on insert and delete.
	TotalDocumentCount int `gorm:"not null;default:0"`
	Version            int `gorm:"not null;default:1"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

// Document is an ingested file. Status transitions:
// pending -> processing -> {complete|failed}; retrying a failed document
// purges partial chunks and starts over.
type Document struct {
	ID               string `gorm:"primaryKey;size:36"`
	CollectionID     string `gorm:"index;size:36;not null"`
	Title            string `gorm:"size:512;not null"`
	Description      string
	FileName         string `gorm:"size:512"`
	SizeBytes        int64
	MimeType         string `gorm:"size:255"`
	StorageKey       string `gorm:"size:1024"`
	Status           string `gorm:"size:16;not null;default:pending"`
	ProgressStage    string `gorm:"size:32"`
	ProgressPercent  int
	ProgressMessage  string
	ChunkCount       int `gorm:"not null;default:0"`
	Version          int `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ProcessedAt      *time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

// Upload is a phase-one upload awaiting binding to a document. StorageKey is
// the server-controlled blob handle; it is reclaimed when the upload expires.
type Upload struct {
	ID           string `gorm:"primaryKey;size:36"`
	OwnerID      string `gorm:"index;size:36;not null"`
	FileName     string `gorm:"size:512;not null"`
	DeclaredSize int64
	MimeType     string `gorm:"size:255"`
	StorageKey   string `gorm:"size:1024;not null"`
	State        string `gorm:"size:16;not null;default:uploaded"`
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is a bounded slice of a document's text. Ordinals are dense and
// unique within a document: the range [0, chunk_count).
type Chunk struct {
	ID         string `gorm:"primaryKey;size:36"`
	DocumentID string `gorm:"index:idx_chunk_doc_ordinal,unique;size:36;not null"`
	Ordinal    int    `gorm:"index:idx_chunk_doc_ordinal,unique;not null"`
	Text       string `gorm:"type:text;not null"`
	TokenCount int
	Page       int
	Section    string `gorm:"size:255"`
	CreatedAt  time.Time
}

// Conversation is a chat thread owned by a user.
type Conversation struct {
	ID           string `gorm:"primaryKey;size:36"`
	OwnerID      string `gorm:"index;size:36;not null"`
	Title        string `gorm:"size:512"`
	Status       string `gorm:"size:16;not null;default:active"`
	ModelName    string `gorm:"size:128"`
	SystemPrompt string `gorm:"type:text"`
	MessageCount int    `gorm:"not null;default:0"`
	Version      int    `gorm:"not null;default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// Message is an append-only entry in a conversation. Ordering is by
// (created_at, id) and is stable. ClientMessageID deduplicates resubmissions
// of the same user message.
type Message struct {
	ID               string `gorm:"primaryKey;size:36"`
	ConversationID   string `gorm:"index;size:36;not null"`
	ClientMessageID  string `gorm:"index;size:64"`
	Role             string `gorm:"size:16;not null"`
	Content          string `gorm:"type:text"`
	Thinking         string `gorm:"type:text"`
	Status           string `gorm:"size:16;not null;default:pending"`
	PromptTokens     int
	CompletionTokens int
	// ReplyToID links an assistant message back to the user message that
	// triggered it, enabling idempotent resubmission.
	ReplyToID string `gorm:"index;size:36"`
	CreatedAt time.Time
}

// ToolCall is a tool invocation owned by an assistant message. Arguments and
// Result are opaque JSON.
type ToolCall struct {
	ID         string `gorm:"primaryKey;size:64"`
	MessageID  string `gorm:"index;size:36;not null"`
	Name       string `gorm:"size:255;not null"`
	Arguments  string `gorm:"type:text"`
	Result     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	State      string `gorm:"size:16;not null;default:pending"`
	DurationMS int64
	CreatedAt  time.Time
}
