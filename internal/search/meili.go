package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxComments = "fieldline_comments"

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
	Resolved   bool   `json:"resolved"`
	CreatedAt  int64  `json:"createdAt"`
}

// Meili indexes and searches comments via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the comment index.
// The caller should proceed without it if the instance stays unhealthy.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxComments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxComments, err)
	}

	index := m.client.Index(idxComments)
	filterable := []interface{}{"tenantId", "resolved"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"content", "authorName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexComment adds or updates one comment in the index.
func (m *Meili) IndexComment(record CommentRecord) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{record}, nil)
	return err
}

// DeleteComment removes a comment from the index.
func (m *Meili) DeleteComment(id string) error {
	_, err := m.client.Index(idxComments).DeleteDocument(id, nil)
	return err
}

// Search queries the comment index scoped to one tenant.
func (m *Meili) Search(tenantID, query string, limit int) ([]CommentRecord, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxComments).Search(query, &meili.SearchRequest{
		Limit:  int64(limit),
		Filter: fmt.Sprintf("tenantId = %q", tenantID),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	out := make([]CommentRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var record CommentRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}
