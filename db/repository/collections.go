package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
)

type collectionRepo struct {
	gdb *gorm.DB
}

func (r *collectionRepo) Create(ctx context.Context, col *db.Collection) (*db.Collection, error) {
	if col.ID == "" {
		col.ID = uuid.New().String()
	}
	if col.Kind == "" {
		col.Kind = db.CollectionKindCollection
	}
	col.Version = 1

	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		path, err := computePath(tx, col.ParentID, col.Name, col)
		if err != nil {
			return err
		}
		col.Path = path
		return tx.Create(col).Error
	})
	if err != nil {
		return nil, translate(err, "collection")
	}
	return col, nil
}

func (r *collectionRepo) Get(ctx context.Context, id string) (*db.Collection, error) {
	var col db.Collection
	if err := r.gdb.WithContext(ctx).First(&col, "id = ?", id).Error; err != nil {
		return nil, translate(err, "collection")
	}
	return &col, nil
}

func (r *collectionRepo) List(ctx context.Context, ownerID string, parentID *string, opts ListOptions) ([]*db.Collection, error) {
	var cols []*db.Collection
	q := r.gdb.WithContext(ctx).Model(&db.Collection{}).Order("path, id")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if parentID != nil {
		if *parentID == "" {
			q = q.Where("parent_id IS NULL")
		} else {
			q = q.Where("parent_id = ?", *parentID)
		}
	}
	if err := applyList(q, opts).Find(&cols).Error; err != nil {
		return nil, translate(err, "collection")
	}
	return cols, nil
}

func (r *collectionRepo) Update(ctx context.Context, col *db.Collection, expectedVersion int) (*db.Collection, error) {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current db.Collection
		if err := tx.First(&current, "id = ?", col.ID).Error; err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return conflict("collection")
		}

		moved := !equalParent(current.ParentID, col.ParentID)
		renamed := current.Name != col.Name

		if moved {
			if err := checkNoCycle(tx, col.ID, col.ParentID); err != nil {
				return err
			}
		}

		newPath, err := computePath(tx, col.ParentID, col.Name, col)
		if err != nil {
			return err
		}

		res := tx.Model(&db.Collection{}).
			Where("id = ? AND version = ?", col.ID, expectedVersion).
			Updates(map[string]interface{}{
				"name":        col.Name,
				"description": col.Description,
				"icon":        col.Icon,
				"color":       col.Color,
				"parent_id":   col.ParentID,
				"path":        newPath,
				"version":     expectedVersion + 1,
				"updated_at":  time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict("collection")
		}

		if moved || renamed {
			return rewriteDescendantPaths(tx, current.Path, newPath)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err, "collection")
	}
	return r.Get(ctx, col.ID)
}

func (r *collectionRepo) SoftDelete(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Delete(&db.Collection{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error, "collection")
	}
	return nil
}

func (r *collectionRepo) Subtree(ctx context.Context, id string) ([]*db.Collection, error) {
	root, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var nodes []*db.Collection
	q := r.gdb.WithContext(ctx).Unscoped().Model(&db.Collection{}).
		Where("id = ? OR path LIKE ?", id, root.Path+"/%").
		Order("path, id")
	if err := q.Find(&nodes).Error; err != nil {
		return nil, translate(err, "collection")
	}
	return nodes, nil
}

func (r *collectionRepo) HardDeleteSubtree(ctx context.Context, id string) ([]string, []string, error) {
	var colIDs, docIDs []string
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root db.Collection
		if err := tx.Unscoped().First(&root, "id = ?", id).Error; err != nil {
			return err
		}
		var nodes []*db.Collection
		if err := tx.Unscoped().
			Where("id = ? OR path LIKE ?", id, root.Path+"/%").
			Find(&nodes).Error; err != nil {
			return err
		}
		for _, n := range nodes {
			colIDs = append(colIDs, n.ID)
		}

		var docs []*db.Document
		if err := tx.Unscoped().Where("collection_id IN ?", colIDs).Find(&docs).Error; err != nil {
			return err
		}
		for _, d := range docs {
			docIDs = append(docIDs, d.ID)
		}

		if len(docIDs) > 0 {
			if err := tx.Where("document_id IN ?", docIDs).Delete(&db.Chunk{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("id IN ?", docIDs).Delete(&db.Document{}).Error; err != nil {
				return err
			}
		}
		return tx.Unscoped().Where("id IN ?", colIDs).Delete(&db.Collection{}).Error
	})
	if err != nil {
		return nil, nil, translate(err, "collection")
	}
	return colIDs, docIDs, nil
}

func (r *collectionRepo) AdjustDocumentCount(ctx context.Context, id string, delta int) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := id
		for current != "" {
			var col db.Collection
			if err := tx.Unscoped().First(&col, "id = ?", current).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Model(&db.Collection{}).
				Where("id = ?", current).
				Update("total_document_count", gorm.Expr("total_document_count + ?", delta)).Error; err != nil {
				return err
			}
			if col.ParentID == nil {
				break
			}
			current = *col.ParentID
		}
		return nil
	})
	return translate(err, "collection")
}

// computePath derives the materialized path for a node under the given
// parent. Folder parents do not start a new ownership scope; the node
// inherits the root collection's owner.
func computePath(tx *gorm.DB, parentID *string, name string, col *db.Collection) (string, error) {
	if strings.Contains(name, "/") {
		return "", common.E(common.KindValidation, "INVALID_NAME", "collection name may not contain '/'")
	}
	if parentID == nil {
		return name, nil
	}
	var parent db.Collection
	if err := tx.First(&parent, "id = ?", *parentID).Error; err != nil {
		return "", translate(err, "parent collection")
	}
	if parent.Kind == db.CollectionKindFolder {
		col.OwnerID = parent.OwnerID
	}
	return parent.Path + "/" + name, nil
}

// checkNoCycle rejects moves that would place a collection under itself or
// one of its descendants.
func checkNoCycle(tx *gorm.DB, id string, newParentID *string) error {
	if newParentID == nil {
		return nil
	}
	if *newParentID == id {
		return common.E(common.KindValidation, "CYCLE", "collection cannot be its own parent")
	}
	current := *newParentID
	for current != "" {
		var node db.Collection
		if err := tx.First(&node, "id = ?", current).Error; err != nil {
			return translate(err, "collection")
		}
		if node.ID == id {
			return common.E(common.KindValidation, "CYCLE", "collection cannot be moved under its own descendant")
		}
		if node.ParentID == nil {
			break
		}
		current = *node.ParentID
	}
	return nil
}

// rewriteDescendantPaths replaces the old path prefix with the new one on
// every descendant. Runs inside the caller's transaction so a subtree move
// is atomic.
func rewriteDescendantPaths(tx *gorm.DB, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	var children []*db.Collection
	if err := tx.Unscoped().Where("path LIKE ?", oldPath+"/%").Find(&children).Error; err != nil {
		return err
	}
	for _, child := range children {
		rewritten := newPath + strings.TrimPrefix(child.Path, oldPath)
		if err := tx.Unscoped().Model(&db.Collection{}).
			Where("id = ?", child.ID).
			Update("path", rewritten).Error; err != nil {
			return err
		}
	}
	return nil
}

func equalParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
