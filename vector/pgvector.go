package vector

import (
	"context"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"rag.evalgo.org/common"
)

// pgStore is the pgvector-backed index. It shares the PostgreSQL connection
// with the transactional store; the chunk_embeddings table is created during
// migration with a vector column of the configured dimension.
type pgStore struct {
	gdb       *gorm.DB
	dimension int
}

// NewPGStore builds a Store over pgvector.
func NewPGStore(gdb *gorm.DB, dimension int) Store {
	return &pgStore{gdb: gdb, dimension: dimension}
}

func (s *pgStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if len(rec.Embedding) != s.dimension {
			return common.E(common.KindValidation, "DIMENSION_MISMATCH",
				"embedding has dimension "+strconv.Itoa(len(rec.Embedding))+
					", index expects "+strconv.Itoa(s.dimension))
		}
	}
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			err := tx.Exec(`
				INSERT INTO chunk_embeddings
					(chunk_id, document_id, collection_id, ordinal, page, section, embedding)
				VALUES (?, ?, ?, ?, ?, ?, ?::vector)
				ON CONFLICT (chunk_id) DO UPDATE SET
					document_id = EXCLUDED.document_id,
					collection_id = EXCLUDED.collection_id,
					ordinal = EXCLUDED.ordinal,
					page = EXCLUDED.page,
					section = EXCLUDED.section,
					embedding = EXCLUDED.embedding`,
				rec.ChunkID, rec.DocumentID, rec.CollectionID,
				rec.Ordinal, rec.Page, rec.Section, encodeVector(rec.Embedding),
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	return translateVector(err)
}

func (s *pgStore) Search(ctx context.Context, q Query) ([]Match, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if len(q.Embedding) != s.dimension {
		return nil, common.E(common.KindValidation, "DIMENSION_MISMATCH",
			"query embedding has dimension "+strconv.Itoa(len(q.Embedding))+
				", index expects "+strconv.Itoa(s.dimension))
	}

	var sb strings.Builder
	args := []interface{}{encodeVector(q.Embedding)}
	sb.WriteString(`
		SELECT chunk_id, document_id, collection_id, ordinal, page, section,
			1 - (embedding <=> ?::vector) AS score
		FROM chunk_embeddings`)
	var conds []string
	if len(q.CollectionIDs) > 0 {
		conds = append(conds, "collection_id IN ?")
		args = append(args, q.CollectionIDs)
	}
	if len(q.DocumentIDs) > 0 {
		conds = append(conds, "document_id IN ?")
		args = append(args, q.DocumentIDs)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY score DESC, document_id, ordinal LIMIT ?")
	args = append(args, q.K)

	type row struct {
		ChunkID      string
		DocumentID   string
		CollectionID string
		Ordinal      int
		Page         int
		Section      string
		Score        float64
	}
	var rows []row
	if err := s.gdb.WithContext(ctx).Raw(sb.String(), args...).Scan(&rows).Error; err != nil {
		return nil, translateVector(err)
	}

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		if r.Score < q.Threshold {
			continue
		}
		matches = append(matches, Match{
			ChunkID:      r.ChunkID,
			DocumentID:   r.DocumentID,
			CollectionID: r.CollectionID,
			Ordinal:      r.Ordinal,
			Page:         r.Page,
			Section:      r.Section,
			Score:        r.Score,
		})
	}
	return matches, nil
}

func (s *pgStore) DeleteByDocument(ctx context.Context, documentIDs ...string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	err := s.gdb.WithContext(ctx).
		Exec("DELETE FROM chunk_embeddings WHERE document_id IN ?", documentIDs).Error
	return translateVector(err)
}

func (s *pgStore) DeleteByCollection(ctx context.Context, collectionIDs ...string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	err := s.gdb.WithContext(ctx).
		Exec("DELETE FROM chunk_embeddings WHERE collection_id IN ?", collectionIDs).Error
	return translateVector(err)
}

func (s *pgStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.gdb.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM chunk_embeddings").Scan(&n).Error; err != nil {
		return 0, translateVector(err)
	}
	return n, nil
}

// encodeVector renders the pgvector literal form, e.g. "[0.1,0.2]".
func encodeVector(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func translateVector(err error) error {
	if err == nil {
		return nil
	}
	if common.IsKind(err, common.KindValidation) || common.IsKind(err, common.KindUnavailable) {
		return err
	}
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") {
		return common.Wrap(common.KindUnavailable, "VECTOR_UNAVAILABLE", "vector index unreachable", err)
	}
	return common.Wrap(common.KindInternal, "VECTOR_ERROR", "vector index error", err)
}
