package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/chunker"
	"engram/internal/config"
	"engram/internal/embeddings"
	"engram/internal/memerr"
	"engram/internal/store"
	"engram/internal/vectorstore"
)

type fakePersister struct {
	revisions map[string][]store.ArtifactRevision
	failWrite bool
	jobs      int
}

func newFakePersister() *fakePersister {
	return &fakePersister{revisions: map[string][]store.ArtifactRevision{}}
}

func (f *fakePersister) LookupUID(_ context.Context, ss, sid string) (string, bool, error) {
	for uid, revs := range f.revisions {
		for _, r := range revs {
			if r.SourceSystem == ss && r.SourceID == sid {
				return uid, true, nil
			}
		}
	}
	return "", false, nil
}

func (f *fakePersister) LatestRevision(_ context.Context, uid string) (*store.ArtifactRevision, bool, error) {
	revs := f.revisions[uid]
	for i := range revs {
		if revs[i].IsLatest {
			return &revs[i], true, nil
		}
	}
	return nil, false, nil
}

func (f *fakePersister) RevisionCount(_ context.Context, uid string) (int, error) {
	return len(f.revisions[uid]), nil
}

func (f *fakePersister) PersistRevision(_ context.Context, rev store.ArtifactRevision, _ []store.ChunkRow) (uuid.UUID, error) {
	if f.failWrite {
		return uuid.Nil, memerr.New(memerr.KindStorage, "injected failure")
	}
	for i := range f.revisions[rev.ArtifactUID] {
		f.revisions[rev.ArtifactUID][i].IsLatest = false
	}
	rev.IsLatest = true
	f.revisions[rev.ArtifactUID] = append(f.revisions[rev.ArtifactUID], rev)
	f.jobs++
	return uuid.New(), nil
}

func qcfg() config.QdrantConfig {
	return config.QdrantConfig{ContentCollection: "content", ChunksCollection: "chunks"}
}

func newIngestor(p Persister, vs vectorstore.Store, single, target, overlap int) *Ingestor {
	return New(p, vs, embeddings.NewDeterministic(8),
		chunker.New(single, target, overlap), qcfg())
}

func baseRequest(content string) Request {
	return Request{
		Content:      content,
		Context:      "note",
		SourceSystem: "gmail",
		SourceID:     "m1",
	}
}

func TestRememberValidation(t *testing.T) {
	ing := newIngestor(newFakePersister(), vectorstore.NewMemory(), 1200, 900, 100)
	ctx := context.Background()

	_, err := ing.Remember(ctx, Request{Content: "", Context: "note"})
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	_, err = ing.Remember(ctx, Request{Content: "hi", Context: "tweet"})
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	_, err = ing.Remember(ctx, Request{Content: "hi", Context: "note", Sensitivity: "secret"})
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
}

func TestRememberDedupUnchanged(t *testing.T) {
	p := newFakePersister()
	vs := vectorstore.NewMemory()
	ing := newIngestor(p, vs, 1200, 900, 100)
	ctx := context.Background()

	first, err := ing.Remember(ctx, baseRequest("Hello world"))
	require.NoError(t, err)
	assert.Equal(t, "queued", first.Status)
	require.NotNil(t, first.JobID)
	assert.Equal(t, "rev_001", first.RevisionID)

	second, err := ing.Remember(ctx, baseRequest("Hello world"))
	require.NoError(t, err)
	assert.Equal(t, "unchanged", second.Status)
	assert.Nil(t, second.JobID)
	assert.Equal(t, first.ArtifactUID, second.ArtifactUID)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, 1, p.jobs, "no second job enqueued")
}

func TestRememberNewRevisionOnChange(t *testing.T) {
	p := newFakePersister()
	ing := newIngestor(p, vectorstore.NewMemory(), 1200, 900, 100)
	ctx := context.Background()

	first, err := ing.Remember(ctx, baseRequest("Hello world"))
	require.NoError(t, err)
	second, err := ing.Remember(ctx, baseRequest("Hello world, revised"))
	require.NoError(t, err)

	assert.Equal(t, first.ArtifactUID, second.ArtifactUID)
	assert.NotEqual(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, "rev_002", second.RevisionID)

	latest, ok, err := p.LatestRevision(ctx, second.ArtifactUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rev_002", latest.RevisionID)
}

func TestRememberChunksLargeContent(t *testing.T) {
	p := newFakePersister()
	vs := vectorstore.NewMemory()
	ing := newIngestor(p, vs, 1200, 900, 100)
	ctx := context.Background()

	content := strings.TrimSpace(strings.Repeat("lorem ", 2000))
	res, err := ing.Remember(ctx, baseRequest(content))
	require.NoError(t, err)

	assert.True(t, res.IsChunked)
	assert.GreaterOrEqual(t, res.ChunkCount, 2)
	assert.Equal(t, 1, vs.Count("content"))
	assert.Equal(t, res.ChunkCount, vs.Count("chunks"))
}

func TestRememberAtThresholdStaysWhole(t *testing.T) {
	p := newFakePersister()
	vs := vectorstore.NewMemory()
	ing := newIngestor(p, vs, 10, 8, 2)
	ctx := context.Background()

	res, err := ing.Remember(ctx, baseRequest(strings.TrimSpace(strings.Repeat("word ", 10))))
	require.NoError(t, err)
	assert.False(t, res.IsChunked)
	assert.Equal(t, 0, res.ChunkCount)
	assert.Equal(t, 0, vs.Count("chunks"))

	res, err = ing.Remember(ctx, Request{
		Content: strings.TrimSpace(strings.Repeat("word ", 11)),
		Context: "note", SourceSystem: "gmail", SourceID: "m2",
	})
	require.NoError(t, err)
	assert.True(t, res.IsChunked)
	assert.GreaterOrEqual(t, res.ChunkCount, 2)
}

func TestRememberCompensatesOnStorageFailure(t *testing.T) {
	p := newFakePersister()
	p.failWrite = true
	vs := vectorstore.NewMemory()
	ing := newIngestor(p, vs, 1200, 900, 100)

	_, err := ing.Remember(context.Background(), baseRequest("Hello world"))
	assert.Equal(t, memerr.KindStorage, memerr.KindOf(err))
	assert.Equal(t, 0, vs.Count("content"), "vector writes rolled back")
	assert.Equal(t, 0, vs.Count("chunks"))
}

func TestCanonicalizeAndHash(t *testing.T) {
	assert.Equal(t, Canonicalize("a\r\nb\n"), "a\nb")
	h := HashContent("Hello world")
	assert.Len(t, h, 64)
	assert.Equal(t, "art_"+h[:12], ArtifactID(h))
}

func TestMintUIDIsStable(t *testing.T) {
	assert.Equal(t, MintUID("gmail", "m1"), MintUID("gmail", "m1"))
	assert.NotEqual(t, MintUID("gmail", "m1"), MintUID("gmail", "m2"))
	assert.True(t, strings.HasPrefix(MintUID("gmail", "m1"), "au_"))
}
