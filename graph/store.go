package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/semaphore"

	"dealdesk.io/common"
)

// defaultIngestConcurrency bounds concurrent episode writes.
const defaultIngestConcurrency = 10

// Store wraps the Neo4j driver.
type Store struct {
	driver neo4j.DriverWithContext
	sem    *semaphore.Weighted
}

// NewStore connects to Neo4j and verifies connectivity.
func NewStore(ctx context.Context, uri, username, password string, ingestConcurrency int) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("graph: connect: %w", err)
	}
	if ingestConcurrency <= 0 {
		ingestConcurrency = defaultIngestConcurrency
	}
	common.Logger.WithField("uri", uri).Info("connected to neo4j")
	return &Store{
		driver: driver,
		sem:    semaphore.NewWeighted(int64(ingestConcurrency)),
	}, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Connected reports graph reachability for the health endpoint.
func (s *Store) Connected(ctx context.Context) bool {
	return s.driver.VerifyConnectivity(ctx) == nil
}

// ChunkNode is one fast-path embedding node. Namespace carries the
// underscore form for index compatibility; GroupID carries the
// authoritative colon form.
type ChunkNode struct {
	ID             string
	Content        string
	Vector         []float32
	DocumentID     string
	DealID         string
	OrganizationID string
	Namespace      string // org_deal
	GroupID        string // org:deal
	ChunkIndex     int
	Page           int
	Kind           string
	TokenCount     int
	CreatedAt      time.Time
}

// UpsertChunkNodes writes all nodes in one transaction, merged on id so
// a retried embed stage converges to the same state.
func (s *Store) UpsertChunkNodes(ctx context.Context, nodes []ChunkNode) error {
	if len(nodes) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		const query = `
			MERGE (c:ChunkEmbedding {id: $id})
			SET c.content = $content,
			    c.embedding = $vector,
			    c.document_id = $document_id,
			    c.deal_id = $deal_id,
			    c.organization_id = $organization_id,
			    c.namespace = $namespace,
			    c.group_id = $group_id,
			    c.chunk_index = $chunk_index,
			    c.page = $page,
			    c.kind = $kind,
			    c.token_count = $token_count,
			    c.created_at = $created_at`
		for _, n := range nodes {
			params := map[string]interface{}{
				"id":              n.ID,
				"content":         n.Content,
				"vector":          n.Vector,
				"document_id":     n.DocumentID,
				"deal_id":         n.DealID,
				"organization_id": n.OrganizationID,
				"namespace":       n.Namespace,
				"group_id":        n.GroupID,
				"chunk_index":     n.ChunkIndex,
				"page":            n.Page,
				"kind":            n.Kind,
				"token_count":     n.TokenCount,
				"created_at":      n.CreatedAt.UTC().Format(time.RFC3339),
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: upsert chunk nodes: %w", err)
	}
	return nil
}

// Episode is one deep-path ingest unit, named {document_name}#chunk-{i}.
type Episode struct {
	Name              string
	Content           string
	SourceDescription string
	GroupID           string // org:deal
	DocumentID        string
	ChunkIndex        int
	Page              int
	Title             string
	ReferenceTime     time.Time

	// Schema constrains what the graph extractor may produce from this
	// episode.
	Schema ExtractionSchema
}

// AddEpisode writes one episode node, bounded by the ingest semaphore.
// Episodes are merged on (name, group_id) so retries are idempotent.
func (s *Store) AddEpisode(ctx context.Context, ep Episode) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		const query = `
			MERGE (e:Episode {name: $name, group_id: $group_id})
			SET e.content = $content,
			    e.source_description = $source_description,
			    e.document_id = $document_id,
			    e.chunk_index = $chunk_index,
			    e.page = $page,
			    e.title = $title,
			    e.valid_at = $valid_at,
			    e.entity_types = $entity_types,
			    e.edge_types = $edge_types,
			    e.edge_type_map = $edge_type_map`
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"name":               ep.Name,
			"group_id":           ep.GroupID,
			"content":            ep.Content,
			"source_description": ep.SourceDescription,
			"document_id":        ep.DocumentID,
			"chunk_index":        ep.ChunkIndex,
			"page":               ep.Page,
			"title":              ep.Title,
			"valid_at":           ep.ReferenceTime.UTC().Format(time.RFC3339),
			"entity_types":       ep.Schema.EntityTypes,
			"edge_types":         ep.Schema.EdgeTypes,
			"edge_type_map":      ep.Schema.EdgeMapJSON(),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: add episode %s: %w", ep.Name, err)
	}
	return nil
}

// Fact is one search candidate from the graph.
type Fact struct {
	UUID       string
	Fact       string
	Name       string // edge or episode name
	ValidAt    *time.Time
	InvalidAt  *time.Time
	Page       int
	ChunkIndex int
	Title      string
	Attributes map[string]interface{}
	Score      float64
}

// Search returns up to limit facts in the given namespace whose content
// matches the query terms. Matching is term-based over episode content
// and entity-edge fact text; results carry supersession timestamps.
func (s *Store) Search(ctx context.Context, namespace, query string, limit int) ([]Fact, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		const cypher = `
			MATCH (e:Episode {group_id: $group_id})
			WHERE any(term IN $terms WHERE toLower(e.content) CONTAINS term)
			RETURN elementId(e) AS uuid, e.name AS name, e.content AS fact,
			       e.valid_at AS valid_at, e.invalid_at AS invalid_at,
			       e.page AS page, e.chunk_index AS chunk_index, e.title AS title
			LIMIT $limit`
		result, err := tx.Run(ctx, cypher, map[string]interface{}{
			"group_id": namespace,
			"terms":    terms,
			"limit":    limit,
		})
		if err != nil {
			return nil, err
		}

		var facts []Fact
		for result.Next(ctx) {
			facts = append(facts, factFromRecord(result.Record()))
		}
		return facts, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: search: %w", err)
	}
	return res.([]Fact), nil
}

// VectorSearch queries the fast-path chunk nodes by embedding
// similarity within the colon-form namespace.
func (s *Store) VectorSearch(ctx context.Context, namespace string, vector []float32, limit int) ([]Fact, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		const cypher = `
			CALL db.index.vector.queryNodes('chunk_embedding_index', $limit, $vector)
			YIELD node, score
			WHERE node.group_id = $group_id
			RETURN elementId(node) AS uuid, node.content AS fact,
			       node.page AS page, node.chunk_index AS chunk_index,
			       node.document_id AS title, score`
		result, err := tx.Run(ctx, cypher, map[string]interface{}{
			"group_id": namespace,
			"vector":   vector,
			"limit":    limit,
		})
		if err != nil {
			return nil, err
		}

		var facts []Fact
		for result.Next(ctx) {
			f := factFromRecord(result.Record())
			if score, ok := result.Record().Get("score"); ok {
				if fl, ok := score.(float64); ok {
					f.Score = fl
				}
			}
			facts = append(facts, f)
		}
		return facts, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: vector search: %w", err)
	}
	return res.([]Fact), nil
}

// EnsureVectorIndex creates the fast-path embedding index if missing.
func (s *Store) EnsureVectorIndex(ctx context.Context, dimensions int) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		cypher := fmt.Sprintf(`
			CREATE VECTOR INDEX chunk_embedding_index IF NOT EXISTS
			FOR (c:ChunkEmbedding) ON (c.embedding)
			OPTIONS {indexConfig: {
				`+"`vector.dimensions`"+`: %d,
				`+"`vector.similarity_function`"+`: 'cosine'
			}}`, dimensions)
		_, err := tx.Run(ctx, cypher, nil)
		return nil, err
	})
	return err
}

func factFromRecord(record *neo4j.Record) Fact {
	f := Fact{Attributes: map[string]interface{}{}}
	if v, ok := record.Get("uuid"); ok {
		f.UUID, _ = v.(string)
	}
	if v, ok := record.Get("name"); ok {
		f.Name, _ = v.(string)
	}
	if v, ok := record.Get("fact"); ok {
		f.Fact, _ = v.(string)
	}
	if v, ok := record.Get("title"); ok {
		f.Title, _ = v.(string)
	}
	if v, ok := record.Get("page"); ok {
		if n, ok := v.(int64); ok {
			f.Page = int(n)
		}
	}
	if v, ok := record.Get("chunk_index"); ok {
		if n, ok := v.(int64); ok {
			f.ChunkIndex = int(n)
		}
	}
	f.ValidAt = parseRecordTime(record, "valid_at")
	f.InvalidAt = parseRecordTime(record, "invalid_at")
	return f
}

func parseRecordTime(record *neo4j.Record, key string) *time.Time {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// searchTerms lowercases and splits the query, dropping short noise
// words.
func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}
