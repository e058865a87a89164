package vector

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"rag.evalgo.org/common"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	records   map[string]Record
}

// NewMemoryStore builds an empty in-memory index.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		records:   make(map[string]Record),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if len(rec.Embedding) != s.dimension {
			return common.E(common.KindValidation, "DIMENSION_MISMATCH",
				"embedding has dimension "+strconv.Itoa(len(rec.Embedding))+
					", index expects "+strconv.Itoa(s.dimension))
		}
		s.records[rec.ChunkID] = rec
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Match, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if len(q.Embedding) != s.dimension {
		return nil, common.E(common.KindValidation, "DIMENSION_MISMATCH",
			"query embedding has dimension "+strconv.Itoa(len(q.Embedding))+
				", index expects "+strconv.Itoa(s.dimension))
	}

	cols := toSet(q.CollectionIDs)
	docs := toSet(q.DocumentIDs)

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		if cols != nil && !cols[rec.CollectionID] {
			continue
		}
		if docs != nil && !docs[rec.DocumentID] {
			continue
		}
		score := cosine(q.Embedding, rec.Embedding)
		if score < q.Threshold {
			continue
		}
		matches = append(matches, Match{
			ChunkID:      rec.ChunkID,
			DocumentID:   rec.DocumentID,
			CollectionID: rec.CollectionID,
			Ordinal:      rec.Ordinal,
			Page:         rec.Page,
			Section:      rec.Section,
			Score:        score,
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].DocumentID != matches[j].DocumentID {
			return matches[i].DocumentID < matches[j].DocumentID
		}
		return matches[i].Ordinal < matches[j].Ordinal
	})
	if len(matches) > q.K {
		matches = matches[:q.K]
	}
	return matches, nil
}

func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentIDs ...string) error {
	docs := toSet(documentIDs)
	if docs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if docs[rec.DocumentID] {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteByCollection(ctx context.Context, collectionIDs ...string) error {
	cols := toSet(collectionIDs)
	if cols == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if cols[rec.CollectionID] {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Store = (*MemoryStore)(nil)
