package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"rag.evalgo.org/common"
)

// New builds the repository bundle over a gorm connection.
func New(gdb *gorm.DB) *Repositories {
	return &Repositories{
		Users:         &userRepo{gdb: gdb},
		Tokens:        &tokenRepo{gdb: gdb},
		Collections:   &collectionRepo{gdb: gdb},
		Documents:     &documentRepo{gdb: gdb},
		Uploads:       &uploadRepo{gdb: gdb},
		Conversations: &conversationRepo{gdb: gdb},
		Messages:      &messageRepo{gdb: gdb},
	}
}

// translate maps gorm/driver errors onto the domain taxonomy. Callers wrap
// the result with entity-specific context.
func translate(err error, entity string) error {
	if err == nil {
		return nil
	}
	var de *common.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.Wrap(common.KindNotFound, "NOT_FOUND", entity+" not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return common.Wrap(common.KindUnavailable, "STORE_TIMEOUT", "transactional store timed out", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "SQLSTATE 23505") {
		return common.Wrap(common.KindConflict, "DUPLICATE", entity+" already exists", err)
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return common.Wrap(common.KindUnavailable, "STORE_UNAVAILABLE", "transactional store unreachable", err)
	}
	return common.Wrap(common.KindInternal, "STORE_ERROR", "transactional store error", err)
}

// conflict is the standard stale-version failure.
func conflict(entity string) error {
	return common.E(common.KindConflict, "STALE_VERSION", entity+" was modified by another writer")
}

func notFound(entity string) error {
	return common.E(common.KindNotFound, "NOT_FOUND", entity+" not found")
}

// applyList applies the common pagination contract with a deterministic
// default ordering supplied by the caller.
func applyList(q *gorm.DB, opts ListOptions) *gorm.DB {
	if opts.IncludeDeleted {
		q = q.Unscoped()
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	return q
}
