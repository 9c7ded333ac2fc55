package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is a Store backed by a MongoDB collection. Structured fields are
// kept as JSON strings so values read back exactly as from the other
// stores.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
}

var _ Store = (*Mongo)(nil)

// MongoOptions configures a Mongo store.
type MongoOptions struct {
	Database   string // default "agentflow"
	Collection string // default "runs"
}

type mongoRunDoc struct {
	ID         string `bson:"_id"`
	WorkflowID string `bson:"workflow_id"`
	Status     string `bson:"status"`
	Input      string `bson:"input,omitempty"`
	Output     string `bson:"output,omitempty"`
	Error      string `bson:"error,omitempty"`
	Steps      string `bson:"steps,omitempty"`
	Warnings   string `bson:"warnings,omitempty"`
	StartedAt  int64  `bson:"started_at"`
	FinishedAt int64  `bson:"finished_at,omitempty"`
}

// OpenMongo connects to uri ("mongodb://host:27017") and prepares the
// indexes.
func OpenMongo(ctx context.Context, uri string, optFns ...func(o *MongoOptions)) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s, err := NewMongo(ctx, client, optFns...)
	if err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewMongo uses an existing client. The caller keeps ownership of client.
func NewMongo(ctx context.Context, client *mongo.Client, optFns ...func(o *MongoOptions)) (*Mongo, error) {
	opts := MongoOptions{Database: "agentflow", Collection: "runs"}
	for _, fn := range optFns {
		fn(&opts)
	}

	coll := client.Database(opts.Database).Collection(opts.Collection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("init runstore index: %w", err)
	}
	return &Mongo{client: client, coll: coll}, nil
}

// Save inserts or replaces the run.
func (s *Mongo) Save(ctx context.Context, run *Run) error {
	cols, err := encodeColumns(run)
	if err != nil {
		return err
	}
	doc := mongoRunDoc{
		ID:         run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Input:      cols[0].(string),
		Output:     cols[1].(string),
		Error:      run.Error,
		Steps:      cols[2].(string),
		Warnings:   cols[3].(string),
		StartedAt:  run.StartedAt.UnixNano(),
	}
	if !run.FinishedAt.IsZero() {
		doc.FinishedAt = run.FinishedAt.UnixNano()
	}

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": run.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run.
func (s *Mongo) Get(ctx context.Context, id string) (*Run, error) {
	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return doc.run()
}

// List returns matching runs, newest first.
func (s *Mongo) List(ctx context.Context, filter Filter) ([]*Run, error) {
	query := bson.M{}
	if filter.WorkflowID != "" {
		query["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Run
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r, err := doc.run()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

// Delete removes a run.
func (s *Mongo) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close disconnects the client if it was opened by OpenMongo.
func (s *Mongo) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d *mongoRunDoc) run() (*Run, error) {
	r := &Run{
		ID:         d.ID,
		WorkflowID: d.WorkflowID,
		Status:     Status(d.Status),
		Error:      d.Error,
		StartedAt:  time.Unix(0, d.StartedAt).UTC(),
	}
	if d.FinishedAt != 0 {
		r.FinishedAt = time.Unix(0, d.FinishedAt).UTC()
	}
	for _, c := range []struct {
		src string
		dst any
	}{
		{d.Input, &r.Input},
		{d.Output, &r.Output},
		{d.Steps, &r.Steps},
		{d.Warnings, &r.Warnings},
	} {
		if c.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.src), c.dst); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", d.ID, err)
		}
	}
	return r, nil
}
