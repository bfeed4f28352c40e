package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/probelabs/trendscout/internal/clusters"
	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
	"github.com/probelabs/trendscout/internal/store"
)

// decodeReply mirrors the real client: undecodable model output maps
// to ErrMalformedReply.
func decodeReply(reply string, out any) error {
	if err := json.Unmarshal([]byte(reply), out); err != nil {
		return fmt.Errorf("%w: %s", llm.ErrMalformedReply, err)
	}
	return nil
}

// scriptedLLM routes each prompt to a canned reply by matching a
// fragment of the system prompt, standing in for the inference API.
type scriptedLLM struct {
	mu sync.Mutex

	// replies maps a system prompt fragment to the JSON the model
	// should produce.
	replies map[string]string
	// errs maps a fragment to an error returned instead.
	errs map[string]error

	embedding []float32
	embedErr  error

	// tokensPerCall is reported as usage on every model call.
	tokensPerCall int

	calls []string
}

func newScriptedLLM() *scriptedLLM {
	emb := make([]float32, domain.EmbeddingDim)
	emb[0] = 1
	return &scriptedLLM{
		replies: map[string]string{
			"content moderator": `{"is_spam": false, "has_pii": false, "notes": ""}`,
			"real problem":      `{"is_valid": true, "reason": "describes a concrete problem", "industry": "Home & DIY", "derived_problems": []}`,
			"Classify":          `{"classification": "question", "confidence": 0.9}`,
			"Summarize":         `{"summary": "A faucet keeps dripping.", "keywords": ["faucet", "plumbing", "leak"]}`,
			"sentiment":         `{"sentiment": "negative", "score": -0.4, "confidence": 0.8}`,
			"industry category": `{"category": "Home & DIY", "description": "Household repairs", "parent": ""}`,
		},
		errs:      make(map[string]error),
		embedding: emb,
	}
}

func (f *scriptedLLM) set(fragment, reply string) { f.replies[fragment] = reply }
func (f *scriptedLLM) fail(fragment string, err error) { f.errs[fragment] = err }

func (f *scriptedLLM) lookup(system string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fragment, err := range f.errs {
		if strings.Contains(system, fragment) {
			f.calls = append(f.calls, fragment)
			return "", err
		}
	}
	for fragment, reply := range f.replies {
		if strings.Contains(system, fragment) {
			f.calls = append(f.calls, fragment)
			return reply, nil
		}
	}
	return "{}", nil
}

func (f *scriptedLLM) Complete(ctx context.Context, system, _ string) (string, error) {
	llm.AddUsage(ctx, f.tokensPerCall)
	return f.lookup(system)
}

func (f *scriptedLLM) CompleteJSON(ctx context.Context, system, user string, out any) error {
	llm.AddUsage(ctx, f.tokensPerCall)
	reply, err := f.lookup(system)
	if err != nil {
		return err
	}
	return decodeReply(reply, out)
}

func (f *scriptedLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	llm.AddUsage(ctx, f.tokensPerCall)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.embedding
	}
	return out, nil
}

// memPosts is an in-memory PostsRepo.
type memPosts struct {
	mu      sync.Mutex
	records map[string]*domain.EnrichedPost
	updates int
}

func newMemPosts() *memPosts {
	return &memPosts{records: make(map[string]*domain.EnrichedPost)}
}

func (m *memPosts) Insert(_ context.Context, post *domain.EnrichedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[post.ID]; ok {
		return store.ErrDuplicate
	}
	post.CreatedAt = time.Now()
	post.UpdatedAt = post.CreatedAt
	cp := *post
	m.records[post.ID] = &cp
	return nil
}

func (m *memPosts) Get(_ context.Context, id string) (*domain.EnrichedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memPosts) Update(_ context.Context, post *domain.EnrichedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[post.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *post
	cp.CreatedAt = rec.CreatedAt
	cp.Status = rec.Status
	cp.UpdatedAt = time.Now()
	m.records[post.ID] = &cp
	m.updates++
	return nil
}

func (m *memPosts) AcquireLock(_ context.Context, id string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if rec.Status == domain.StatusProcessing || rec.Status == domain.StatusProcessed {
		return false, nil
	}
	rec.Status = domain.StatusProcessing
	now := time.Now()
	rec.ProcessingStartedAt = &now
	return true, nil
}

func (m *memPosts) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = domain.StatusProcessed
	now := time.Now()
	rec.ProcessedAt = &now
	return nil
}

func (m *memPosts) MarkFailed(_ context.Context, id, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	rec.Status = domain.StatusFailed
	rec.ErrorMessage = errMsg
	rec.RetryCount++
	now := time.Now()
	rec.FailedAt = &now
	return rec.RetryCount, nil
}

func (m *memPosts) ListUnprocessed(context.Context, int, int) ([]store.QueueCandidate, error) {
	return nil, nil
}

func (m *memPosts) CountByStatus(context.Context) (map[domain.PostStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.PostStatus]int64)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *memPosts) ListEmbedded(context.Context, string, int) ([]store.EmbeddedPost, error) {
	return nil, nil
}

func (m *memPosts) SetCluster(context.Context, string, int64) error { return nil }

// byStatus counts records with the given status.
func (m *memPosts) byStatus(status domain.PostStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// memCategories is an in-memory CategoriesRepo.
type memCategories struct {
	mu     sync.Mutex
	nextID int64
	byName map[string]*domain.Category
}

func newMemCategories() *memCategories {
	return &memCategories{nextID: 1, byName: make(map[string]*domain.Category)}
}

func (m *memCategories) FindOrCreate(_ context.Context, name, description string, parentID *int64) (*domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(name)
	if cat, ok := m.byName[key]; ok {
		cp := *cat
		return &cp, nil
	}
	cat := &domain.Category{ID: m.nextID, Name: name, Description: description, ParentID: parentID, CreatedAt: time.Now()}
	m.nextID++
	m.byName[key] = cat
	cp := *cat
	return &cp, nil
}

func (m *memCategories) Get(_ context.Context, id int64) (*domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cat := range m.byName {
		if cat.ID == id {
			cp := *cat
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memCategories) Names(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.byName))
	for _, cat := range m.byName {
		names = append(names, cat.Name)
	}
	return names, nil
}

// memClusters is an in-memory ClustersRepo with brute-force nearest
// neighbor search.
type memClusters struct {
	mu       sync.Mutex
	nextID   int64
	clusters map[int64]*domain.Cluster
	members  map[int64][]pgvector.Vector
}

func newMemClusters() *memClusters {
	return &memClusters{
		nextID:   1,
		clusters: make(map[int64]*domain.Cluster),
		members:  make(map[int64][]pgvector.Vector),
	}
}

func (m *memClusters) FindNearest(_ context.Context, embedding pgvector.Vector, threshold float64) (*store.NearestCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.NearestCluster
	for _, c := range m.clusters {
		sim, err := clusters.CosineSimilarity(c.Centroid, embedding)
		if err != nil {
			return nil, err
		}
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &store.NearestCluster{Cluster: *c, Similarity: sim}
		}
	}
	return best, nil
}

func (m *memClusters) Create(_ context.Context, cluster *domain.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cluster.ID = m.nextID
	m.nextID++
	cp := *cluster
	m.clusters[cluster.ID] = &cp
	m.members[cluster.ID] = []pgvector.Vector{cluster.Centroid}
	return nil
}

func (m *memClusters) Get(_ context.Context, id int64) (*domain.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memClusters) All(context.Context) ([]domain.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memClusters) AddMember(_ context.Context, clusterID int64, embedding pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return store.ErrNotFound
	}
	old, e := c.Centroid.Slice(), embedding.Slice()
	n := float32(c.MemberCount)
	next := make([]float32, len(old))
	for i := range old {
		next[i] = (old[i]*n + e[i]) / (n + 1)
	}
	c.Centroid = pgvector.NewVector(next)
	c.MemberCount++
	m.members[clusterID] = append(m.members[clusterID], embedding)
	return nil
}

func (m *memClusters) ReplaceCentroid(_ context.Context, clusterID int64, centroid pgvector.Vector, memberCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return store.ErrNotFound
	}
	c.Centroid = centroid
	c.MemberCount = memberCount
	return nil
}

func (m *memClusters) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clusters, id)
	delete(m.members, id)
	return nil
}

func (m *memClusters) MemberEmbeddings(_ context.Context, clusterID int64) ([]pgvector.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[clusterID], nil
}

func (m *memClusters) ReassignMembers(_ context.Context, src, dst int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := int64(len(m.members[src]))
	m.members[dst] = append(m.members[dst], m.members[src]...)
	m.members[src] = nil
	return moved, nil
}

// memAudit is an in-memory AuditRepo.
type memAudit struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (m *memAudit) Record(_ context.Context, entry store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) byAction(action string) []store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEntry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// memMentions is an in-memory MentionsRepo.
type memMentions struct {
	mu       sync.Mutex
	nextID   int64
	mentions []domain.Mention
}

func (m *memMentions) Insert(_ context.Context, mention *domain.Mention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	mention.ID = m.nextID
	mention.MentionedAt = time.Now()
	m.mentions = append(m.mentions, *mention)
	return nil
}

func (m *memMentions) CountSince(_ context.Context, clusterID int64, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, mention := range m.mentions {
		if mention.ClusterID == clusterID {
			n++
		}
	}
	return n, nil
}

func (m *memMentions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mentions)
}
