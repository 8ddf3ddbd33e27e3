package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxUsers = "workplace_users"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

var _ Index = (*Meili)(nil)

// NewMeili creates a Meilisearch client and configures the users index.
// An unreachable server is not an error; the health loop keeps probing.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxUsers, PrimaryKey: "id"}); err != nil {
		m.log.Debug().Err(err).Str("index", idxUsers).Msg("create index (may already exist)")
	}
	index := m.client.Index(idxUsers)
	filterable := []interface{}{"hasChat"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"name", "email"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn().Err(err).Msg("update sortable attributes")
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
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
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

// Search returns chat-enabled users, newest first, like the Postgres
// fallback.
func (m *Meili) Search(_ context.Context, q Query) (Page, error) {
	if !m.healthy.Load() {
		return Page{}, errUnhealthy
	}
	q = q.normalized()
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxUsers,
			Query:    q.Text,
			Limit:    int64(q.Limit),
			Offset:   int64(q.Offset()),
			Filter:   "hasChat = true",
			Sort:     []string{"createdAt:desc"},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return Page{}, fmt.Errorf("meilisearch search: %w", err)
	}

	page := Page{Users: []UserRecord{}}
	for _, sr := range resp.Results {
		page.Total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			record, err := decodeHit(hit)
			if err != nil {
				m.log.Warn().Err(err).Msg("skipping undecodable search hit")
				continue
			}
			page.Users = append(page.Users, record)
		}
	}
	return page, nil
}

func decodeHit(hit meili.Hit) (UserRecord, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return UserRecord{}, err
	}
	var record UserRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return UserRecord{}, err
	}
	return record, nil
}

func (m *Meili) Upsert(_ context.Context, users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Index(idxUsers).AddDocuments(users, nil)
	return err
}

func (m *Meili) Delete(_ context.Context, id int64) error {
	_, err := m.client.Index(idxUsers).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
