package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeQdrant is an in-memory stand-in for the Qdrant points API.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]int
	points      map[string]*qdrant.PointStruct

	// failures makes the next n calls fail with failErr.
	failures int
	failErr  error
	calls    int
	limits   []uint64
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: map[string]int{}, points: map[string]*qdrant.PointStruct{}}
}

func (f *fakeQdrant) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.failErr
	}
	return nil
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{Title: "fake", Version: "test"}, nil
}

func (f *fakeQdrant) CollectionExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[req.GetCollectionName()] = int(req.GetVectorsConfig().GetParams().GetSize())
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	for _, p := range req.GetPoints() {
		f.points[p.GetId().GetUuid()] = p
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.limits = append(f.limits, req.GetLimit())
	q := req.GetQuery().GetNearest().GetDense().GetData()

	var out []*qdrant.ScoredPoint
	for _, p := range f.points {
		if !fakeMatches(req.GetFilter(), p.GetPayload()) {
			continue
		}
		out = append(out, &qdrant.ScoredPoint{
			Id:      p.GetId(),
			Payload: p.GetPayload(),
			Score:   cosine(q, p.GetVectors().GetVector().GetDense().GetData()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit := int(req.GetLimit()); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQdrant) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	for _, id := range req.GetPoints().GetPoints().GetIds() {
		delete(f.points, id.GetUuid())
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Close() error { return nil }

func fakeMatches(filter *qdrant.Filter, payload map[string]*qdrant.Value) bool {
	meta := payload[payloadMetadata].GetStructValue().GetFields()
	for _, c := range filter.GetMust() {
		field := c.GetField()
		key := field.GetKey()[len(payloadMetadata)+1:]
		if meta[key].GetStringValue() != field.GetMatch().GetKeyword() {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func newTestQdrant(t *testing.T, fake *fakeQdrant) *QdrantStore {
	t.Helper()
	s, err := newQdrantStore(context.Background(), fake, QdrantConfig{
		Host: "fake", Port: 6334, Collection: "test_memory", Dimension: testDim,
		MaxRetries: 2, RetryBackoff: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestQdrantStore_CreatesCollection(t *testing.T) {
	fake := newFakeQdrant()
	newTestQdrant(t, fake)
	assert.Equal(t, testDim, fake.collections["test_memory"])
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("job/phase"), PointID("job/phase"))
	assert.NotEqual(t, PointID("job/phase"), PointID("job/other"))
}

func TestQdrantStore_RetriesTransient(t *testing.T) {
	fake := newFakeQdrant()
	s := newTestQdrant(t, fake)
	fake.failures = 2
	fake.failErr = status.Error(codes.Unavailable, "qdrant restarting")

	require.NoError(t, s.Add(context.Background(), item(t, "k", "some content", nil)))
	assert.Equal(t, 3, fake.calls)
}

func TestQdrantStore_ExhaustedRetriesAreTransient(t *testing.T) {
	fake := newFakeQdrant()
	s := newTestQdrant(t, fake)
	fake.failures = 10
	fake.failErr = status.Error(codes.DeadlineExceeded, "slow")

	_, err := s.Query(context.Background(), item(t, "q", "x", nil).Vector, 3, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestQdrantStore_PermanentErrorNotRetried(t *testing.T) {
	fake := newFakeQdrant()
	s := newTestQdrant(t, fake)
	fake.failures = 10
	fake.failErr = status.Error(codes.PermissionDenied, "bad api key")

	err := s.Delete(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 1, fake.calls)
}

func TestQdrantStore_LargeTieGroupRanksByKey(t *testing.T) {
	fake := newFakeQdrant()
	s := newTestQdrant(t, fake)
	ctx := context.Background()

	var want []string
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("job/%02d", i)
		want = append(want, key)
		require.NoError(t, s.Add(ctx, item(t, key, "identical content", nil)))
	}

	for round := 0; round < 5; round++ {
		fake.limits = nil
		got, err := s.Query(ctx, item(t, "q", "identical content", nil).Vector, 3, nil)
		require.NoError(t, err)
		assert.Equal(t, want[:3], keys(got))
		assert.Greater(t, len(fake.limits), 1, "a full page inside the tie group is refetched")
		assert.GreaterOrEqual(t, int(fake.limits[len(fake.limits)-1]), 40)
	}
}

func TestQdrantStore_NoRefetchWithoutTieAtCut(t *testing.T) {
	fake := newFakeQdrant()
	s := newTestQdrant(t, fake)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Add(ctx, item(t, fmt.Sprintf("k%02d", i), fmt.Sprintf("distinct content %d", i), nil)))
	}

	_, err := s.Query(ctx, item(t, "q", "distinct content 7", nil).Vector, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3 + tieSlack}, fake.limits)
}

func TestQdrantConfig_BackoffIsCapped(t *testing.T) {
	cfg := QdrantConfig{RetryBackoff: time.Second, MaxRetryBackoff: 5 * time.Second}
	d := cfg.RetryBackoff
	var seq []time.Duration
	for i := 0; i < 6; i++ {
		seq = append(seq, d)
		d = cfg.nextBackoff(d)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, seq)

	var defaults QdrantConfig
	defaults.ApplyDefaults()
	assert.Equal(t, 10*time.Second, defaults.MaxRetryBackoff)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(status.Error(codes.Unavailable, "")))
	assert.True(t, IsTransientError(status.Error(codes.ResourceExhausted, "")))
	assert.True(t, IsTransientError(context.DeadlineExceeded))
	assert.False(t, IsTransientError(status.Error(codes.InvalidArgument, "")))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.False(t, IsTransientError(nil))
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{Host: "localhost", Collection: "c", Dimension: 8}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Host = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Dimension = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
