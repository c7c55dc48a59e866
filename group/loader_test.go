package group

import (
	"context"
	"errors"
	"testing"

	"collab-server/collab"
	"collab-server/core"
	"collab-server/stores/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotFailingStorage fails reads of the listed snapshots.
type snapshotFailingStorage struct {
	core.CollabStorage
	failing map[string]bool
}

func (s *snapshotFailingStorage) GetSnapshotData(ctx context.Context, params core.QuerySnapshotParams) ([]byte, error) {
	if s.failing[params.SnapshotID] {
		return nil, errors.New("snapshot read failed")
	}
	return s.CollabStorage.GetSnapshotData(ctx, params)
}

func addSnapshot(t *testing.T, storage core.CollabStorage, snapshotID string, blob []byte) {
	t.Helper()
	require.NoError(t, storage.CreateSnapshot(context.Background(), &core.InsertSnapshotParams{
		SnapshotID:    snapshotID,
		ObjectID:      "doc-1",
		WorkspaceID:   "ws-1",
		EncodedCollab: blob,
	}))
}

func documentQuery() core.QueryCollabParams {
	return core.QueryCollabParams{WorkspaceID: "ws-1", ObjectID: "doc-1", CollabType: collab.TypeDocument}
}

func TestLoadCollab_Primary(t *testing.T) {
	store := memory.NewStore()
	insertCollab(t, store, "ws-1", "doc-1", encodedDocument(t, "doc-1", "current"))
	m := newTestMetrics()

	c, encoded, err := LoadCollab(context.Background(), store, documentQuery(), m)
	require.NoError(t, err)
	require.NotNil(t, encoded)
	v, _ := c.Get("document")
	assert.Equal(t, "current", string(v))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LoadedFromSnapshot))
}

func TestLoadCollab_FallsBackToNewestValidSnapshot(t *testing.T) {
	store := memory.NewStore()
	insertCollab(t, store, "ws-1", "doc-1", []byte("corrupted payload"))

	// oldest first; the loader walks them newest first
	addSnapshot(t, store, "snap-valid-old", encodedDocument(t, "doc-1", "old"))
	addSnapshot(t, store, "snap-valid", encodedDocument(t, "doc-1", "recovered"))

	missingData := collab.New("doc-1")
	missingData.Set("server", "unrelated", []byte("x"))
	blob, err := missingData.EncodeCollab().Encode()
	require.NoError(t, err)
	addSnapshot(t, store, "snap-no-required-data", blob)
	addSnapshot(t, store, "snap-garbage", []byte{0xde, 0xad})

	m := newTestMetrics()
	c, encoded, err := LoadCollab(context.Background(), store, documentQuery(), m)
	require.NoError(t, err)
	require.NotNil(t, encoded)
	v, _ := c.Get("document")
	assert.Equal(t, "recovered", string(v))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadedFromSnapshot))
}

func TestLoadCollab_SkipsUnreadableSnapshot(t *testing.T) {
	inner := memory.NewStore()
	insertCollab(t, inner, "ws-1", "doc-1", []byte("corrupted payload"))
	addSnapshot(t, inner, "snap-1", encodedDocument(t, "doc-1", "one"))
	addSnapshot(t, inner, "snap-2", encodedDocument(t, "doc-1", "two"))
	store := &snapshotFailingStorage{CollabStorage: inner, failing: map[string]bool{"snap-2": true}}

	c, _, err := LoadCollab(context.Background(), store, documentQuery(), nil)
	require.NoError(t, err)
	v, _ := c.Get("document")
	assert.Equal(t, "one", string(v))
}

func TestLoadCollab_NoSnapshots(t *testing.T) {
	store := memory.NewStore()
	insertCollab(t, store, "ws-1", "doc-1", []byte("corrupted payload"))

	_, _, err := LoadCollab(context.Background(), store, documentQuery(), nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNoRequiredCollabData))
}

func TestLoadCollab_AllSnapshotsInvalid(t *testing.T) {
	store := memory.NewStore()
	insertCollab(t, store, "ws-1", "doc-1", []byte("corrupted payload"))
	addSnapshot(t, store, "snap-1", []byte("garbage"))
	addSnapshot(t, store, "snap-2", nil)

	_, _, err := LoadCollab(context.Background(), store, documentQuery(), nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNoRequiredCollabData))
	assert.ErrorIs(t, err, collab.ErrUnsupportedEncoding)
}

func TestLoadCollab_ReadFailureIsInternal(t *testing.T) {
	_, _, err := LoadCollab(context.Background(), memory.NewStore(), documentQuery(), nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInternal))
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}
