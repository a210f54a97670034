package inventory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/types"
)

type recordingJournal struct {
	mu        sync.Mutex
	initiated []types.ChangeInfo
	finalized []types.ChangeFinalization
}

func (j *recordingJournal) InitiateStateChange(info types.ChangeInfo) (string, string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.initiated = append(j.initiated, info)
	return types.NewChangeID(), "", nil
}

func (j *recordingJournal) FinalizeStateChange(fin types.ChangeFinalization) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finalized = append(j.finalized, fin)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.EventType
}

func (n *recordingNotifier) Publish(eventType events.EventType, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func openStore(t *testing.T) (*Store, *recordingJournal, *recordingNotifier) {
	t.Helper()
	j := &recordingJournal{}
	n := &recordingNotifier{}
	s, err := Open(t.TempDir(), j, n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, j, n
}

func TestUpsertGetRemove(t *testing.T) {
	s, _, _ := openStore(t)

	node := types.ExpectedNode{
		Name:    "node-1",
		Labels:  map[string]string{"rack": "r7"},
		AddedBy: "admin",
	}
	require.NoError(t, s.UpsertNode(node))

	got, err := s.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.Name)
	assert.Equal(t, "r7", got.Labels["rack"])
	assert.False(t, got.AddedAt.IsZero(), "AddedAt stamped on upsert")

	// Upsert replaces in place.
	node.Labels = map[string]string{"rack": "r9"}
	node.AddedAt = got.AddedAt
	require.NoError(t, s.UpsertNode(node))
	got, err = s.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, "r9", got.Labels["rack"])

	require.NoError(t, s.RemoveNode("node-1"))
	_, err = s.Get("node-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestUpsertRequiresName(t *testing.T) {
	s, _, _ := openStore(t)
	err := s.UpsertNode(types.ExpectedNode{})
	require.Error(t, err)
}

func TestListSortsByName(t *testing.T) {
	s, _, _ := openStore(t)
	for _, name := range []string{"node-c", "node-a", "node-b"} {
		require.NoError(t, s.UpsertNode(types.ExpectedNode{Name: name}))
	}

	nodes, err := s.List()
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "node-a", nodes[0].Name)
	assert.Equal(t, "node-b", nodes[1].Name)
	assert.Equal(t, "node-c", nodes[2].Name)

	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, names)
}

func TestReplaceAllSwapsManifest(t *testing.T) {
	s, _, _ := openStore(t)
	require.NoError(t, s.UpsertNode(types.ExpectedNode{Name: "old-node"}))

	require.NoError(t, s.ReplaceAll([]types.ExpectedNode{
		{Name: "new-1", AddedAt: time.Now().UTC()},
		{Name: "new-2"},
	}))

	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"new-1", "new-2"}, names)

	// A nameless entry aborts the whole replace.
	err = s.ReplaceAll([]types.ExpectedNode{{Name: "ok"}, {}})
	require.Error(t, err)
}

func TestManifestEditsAreAuditedAndPublished(t *testing.T) {
	s, j, n := openStore(t)

	require.NoError(t, s.UpsertNode(types.ExpectedNode{Name: "node-1", AddedBy: "admin"}))
	require.NoError(t, s.RemoveNode("node-1"))
	require.NoError(t, s.ReplaceAll(nil))

	j.mu.Lock()
	require.Len(t, j.initiated, 3)
	assert.Equal(t, "ExpectedNodeUpserted", j.initiated[0].Type)
	assert.Equal(t, "admin", j.initiated[0].Initiator)
	assert.Equal(t, "ExpectedNodeRemoved", j.initiated[1].Type)
	assert.Equal(t, "ExpectedNodesReplaced", j.initiated[2].Type)
	require.Len(t, j.finalized, 3)
	for _, fin := range j.finalized {
		assert.Equal(t, types.ChangeOutcomeSuccess, fin.Outcome)
	}
	j.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, []events.EventType{
		events.EventManifestUpdated, events.EventManifestUpdated, events.EventManifestUpdated,
	}, n.events)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertNode(types.ExpectedNode{Name: "durable-node"}))
	require.NoError(t, s.Close())

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get("durable-node")
	require.NoError(t, err)
	assert.Equal(t, "durable-node", got.Name)
}
