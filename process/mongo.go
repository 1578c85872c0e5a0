// Mongo-backed Process store. Persists process records to MongoDB for
// durability across restarts, grounded on registry/store/mongo.Store's
// document/collection shape and ReplaceOne-with-upsert save pattern.
package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a MongoDB implementation of Store.
type MongoStore struct {
	collection *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// document is the MongoDB representation of a Process.
type document struct {
	ProcessID        string     `bson:"_id"`
	ParentProcessID  string     `bson:"parent_process_id"`
	ProcessOwner     string     `bson:"process_owner"`
	WorkingDirectory string     `bson:"working_directory"`
	ArgumentsPath    string     `bson:"arguments_path,omitempty"`
	ResponsePath     string     `bson:"response_path,omitempty"`
	ExecutionID      string     `bson:"execution_id,omitempty"`
	ExecutionStatus  Status     `bson:"execution_status"`
	StartedOn        time.Time  `bson:"started_on"`
	EndedOn          *time.Time `bson:"ended_on,omitempty"`
	StatusMessage    string     `bson:"status_message,omitempty"`
	Revision         int64      `bson:"revision"`
}

// NewMongoStore constructs a MongoStore using the provided collection. The
// collection should be from a connected MongoDB client with an index on
// parent_process_id for efficient ListChildren lookups.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// Upsert creates or overwrites a process record.
func (s *MongoStore) Upsert(ctx context.Context, p *Process) error {
	doc := toDocument(p)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": p.ProcessID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb upsert process %q: %w", p.ProcessID, err)
	}
	return nil
}

// Get loads a process by id.
func (s *MongoStore) Get(ctx context.Context, processID string) (*Process, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": processID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get process %q: %w", processID, err)
	}
	return fromDocument(&doc), nil
}

// ListChildren returns all processes whose ParentProcessID equals
// parentProcessID, ordered by StartedOn.
func (s *MongoStore) ListChildren(ctx context.Context, parentProcessID string) ([]*Process, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"parent_process_id": parentProcessID})
	if err != nil {
		return nil, fmt.Errorf("mongodb list children of %q: %w", parentProcessID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list children decode: %w", err)
	}
	out := make([]*Process, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedOn.Before(out[j].StartedOn) })
	return out, nil
}

// ListRunningOlderThan returns all RUNNING processes started before cutoff.
func (s *MongoStore) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*Process, error) {
	filter := bson.M{
		"execution_status": StatusRunning,
		"started_on":       bson.M{"$lt": cutoff},
	}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb list running-older-than: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list running-older-than decode: %w", err)
	}
	out := make([]*Process, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

// CompareAndSwap applies updated only if the stored revision matches
// expectedRevision, incrementing the stored revision on success.
func (s *MongoStore) CompareAndSwap(ctx context.Context, updated *Process, expectedRevision int64) error {
	doc := toDocument(updated)
	doc.Revision = expectedRevision + 1

	filter := bson.M{"_id": updated.ProcessID, "revision": expectedRevision}
	result, err := s.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("mongodb compare-and-swap process %q: %w", updated.ProcessID, err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.Get(ctx, updated.ProcessID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func toDocument(p *Process) document {
	return document{
		ProcessID:        p.ProcessID,
		ParentProcessID:  p.ParentProcessID,
		ProcessOwner:     p.ProcessOwner,
		WorkingDirectory: p.WorkingDirectory,
		ArgumentsPath:    p.ArgumentsPath,
		ResponsePath:     p.ResponsePath,
		ExecutionID:      p.ExecutionID,
		ExecutionStatus:  p.ExecutionStatus,
		StartedOn:        p.StartedOn,
		EndedOn:          p.EndedOn,
		StatusMessage:    p.StatusMessage,
		Revision:         p.Revision,
	}
}

func fromDocument(d *document) *Process {
	return &Process{
		ProcessID:        d.ProcessID,
		ParentProcessID:  d.ParentProcessID,
		ProcessOwner:     d.ProcessOwner,
		WorkingDirectory: d.WorkingDirectory,
		ArgumentsPath:    d.ArgumentsPath,
		ResponsePath:     d.ResponsePath,
		ExecutionID:      d.ExecutionID,
		ExecutionStatus:  d.ExecutionStatus,
		StartedOn:        d.StartedOn,
		EndedOn:          d.EndedOn,
		StatusMessage:    d.StatusMessage,
		Revision:         d.Revision,
	}
}
