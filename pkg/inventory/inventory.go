package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

// ErrNodeNotFound is returned by Get for names absent from the manifest
var ErrNodeNotFound = errors.New("expected node not found")

var bucketExpectedNodes = []byte("expected_nodes")

// ChangeJournal records manifest edits as system change pairs
type ChangeJournal interface {
	InitiateStateChange(info types.ChangeInfo) (string, string, error)
	FinalizeStateChange(fin types.ChangeFinalization) error
}

// UINotifier publishes manifest-updated events
type UINotifier interface {
	Publish(eventType events.EventType, payload any)
}

// Store is the durable environment manifest: the set of nodes expected to
// be part of the fleet, independent of whether they are currently
// connected. Backed by bbolt.
type Store struct {
	db       *bolt.DB
	logger   zerolog.Logger
	journal  ChangeJournal
	notifier UINotifier
}

// Open opens (creating if needed) inventory.db in dataDir. journal and
// notifier may be nil.
func Open(dataDir string, journal ChangeJournal, notifier UINotifier) (*Store, error) {
	dbPath := filepath.Join(dataDir, "inventory.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExpectedNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create inventory bucket: %w", err)
	}

	return &Store{
		db:       db,
		logger:   log.WithComponent("inventory"),
		journal:  journal,
		notifier: notifier,
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNode adds or replaces one expected node
func (s *Store) UpsertNode(node types.ExpectedNode) error {
	if node.Name == "" {
		return fmt.Errorf("expected node requires a name")
	}
	if node.AddedAt.IsZero() {
		node.AddedAt = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExpectedNodes).Put([]byte(node.Name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert expected node %s: %w", node.Name, err)
	}

	s.manifestChanged("ExpectedNodeUpserted",
		fmt.Sprintf("Expected node '%s' added or updated", node.Name), node.AddedBy)
	return nil
}

// RemoveNode deletes one expected node. Removing an absent name is a no-op.
func (s *Store) RemoveNode(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExpectedNodes).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("failed to remove expected node %s: %w", name, err)
	}

	s.manifestChanged("ExpectedNodeRemoved",
		fmt.Sprintf("Expected node '%s' removed", name), "")
	return nil
}

// ReplaceAll swaps the entire manifest in one transaction
func (s *Store) ReplaceAll(nodes []types.ExpectedNode) error {
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketExpectedNodes); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketExpectedNodes)
		if err != nil {
			return err
		}
		for i := range nodes {
			node := nodes[i]
			if node.Name == "" {
				return fmt.Errorf("expected node at index %d has no name", i)
			}
			if node.AddedAt.IsZero() {
				node.AddedAt = now
			}
			data, err := json.Marshal(&node)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(node.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace expected node manifest: %w", err)
	}

	s.manifestChanged("ExpectedNodesReplaced",
		fmt.Sprintf("Expected node manifest replaced with %d node(s)", len(nodes)), "")
	return nil
}

// Get loads one expected node by name
func (s *Store) Get(name string) (types.ExpectedNode, error) {
	var node types.ExpectedNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExpectedNodes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%s: %w", name, ErrNodeNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	return node, err
}

// List returns the manifest sorted by node name
func (s *Store) List() ([]types.ExpectedNode, error) {
	var nodes []types.ExpectedNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExpectedNodes).ForEach(func(k, v []byte) error {
			var node types.ExpectedNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expected nodes: %w", err)
	}

	sort.Slice(nodes, func(a, b int) bool { return nodes[a].Name < nodes[b].Name })
	return nodes, nil
}

// Names returns just the expected node names, for seeding the health
// monitor at startup.
func (s *Store) Names() ([]string, error) {
	nodes, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Name)
	}
	return out, nil
}

// manifestChanged audits one manifest edit and publishes the update event
func (s *Store) manifestChanged(changeType, description, by string) {
	if s.journal != nil {
		initiator := by
		if initiator == "" {
			initiator = types.ChangeSourceSystemEvent
		}
		changeID, _, err := s.journal.InitiateStateChange(types.ChangeInfo{
			Type:        changeType,
			Initiator:   initiator,
			Description: description,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to audit manifest change")
		} else if err := s.journal.FinalizeStateChange(types.ChangeFinalization{
			ChangeID: changeID,
			Outcome:  types.ChangeOutcomeSuccess,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to finalize manifest change audit")
		}
	}

	if s.notifier != nil {
		s.notifier.Publish(events.EventManifestUpdated, &events.ManifestUpdated{
			Description: description,
		})
	}
	s.logger.Info().Str("change", changeType).Msg(description)
}
