package search

import (
	"context"
	"log"
	"time"

	"fieldline/internal/collab"
)

// Fallback answers comment searches when Meilisearch is unavailable.
// *store.PostgresStore satisfies this.
type Fallback interface {
	SearchComments(ctx context.Context, tenantID, query string, limit int) ([]collab.Comment, error)
}

// Service fronts comment search: Meilisearch when healthy, the fallback
// store otherwise. A nil Meili degrades to fallback-only mode.
type Service struct {
	meili    *Meili
	fallback Fallback
}

func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// IndexComment satisfies collab.CommentIndexer. Indexing runs in the
// background so a slow search backend never delays a broadcast.
func (s *Service) IndexComment(c collab.Comment) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := CommentRecord{
		ID:         c.ID,
		TenantID:   c.TenantID,
		AuthorID:   c.UserID,
		AuthorName: c.UserName,
		Content:    c.Content,
		Resolved:   c.Resolved,
		CreatedAt:  c.Timestamp.UnixMilli(),
	}
	go func() {
		if err := s.meili.IndexComment(record); err != nil {
			log.Printf("search: index comment %s: %v", record.ID, err)
		}
	}()
}

// Search returns comments matching the query within one tenant.
func (s *Service) Search(ctx context.Context, tenantID, query string, limit int) ([]collab.Comment, error) {
	if s.meili != nil && s.meili.Healthy() {
		records, err := s.meili.Search(tenantID, query, limit)
		if err == nil {
			out := make([]collab.Comment, 0, len(records))
			for _, r := range records {
				out = append(out, recordToComment(r))
			}
			return out, nil
		}
		log.Printf("search: meilisearch failed, falling back to database: %v", err)
	}
	if s.fallback == nil {
		return nil, nil
	}
	return s.fallback.SearchComments(ctx, tenantID, query, limit)
}

func recordToComment(r CommentRecord) collab.Comment {
	return collab.Comment{
		ID:        r.ID,
		TenantID:  r.TenantID,
		UserID:    r.AuthorID,
		UserName:  r.AuthorName,
		Content:   r.Content,
		Resolved:  r.Resolved,
		Timestamp: time.UnixMilli(r.CreatedAt),
	}
}
