// Package store is the MongoDB client for profiling measurements. All
// documents are scoped by node name so one database can serve a fleet;
// writes are upserts keyed by the measurement identity so re-profiling a
// workload never duplicates records.
package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Run types recorded in measurement documents.
const (
	RunWorkload = "workload"
	RunInjector = "injector"
)

// Measurement is one IPC sample: a workload or injector running at a given
// pressure level against one resource feature. Identity is every field
// except Timestamp and IPC.
type Measurement struct {
	Timestamp   int64   `bson:"timestamp"`
	NodeName    string  `bson:"node_name"`
	Feature     string  `bson:"feature"`
	FeatureID   int32   `bson:"feature_id"`
	FeatureType int32   `bson:"feature_type"`
	GlobalJobID int32   `bson:"global_jobid"`
	Pressure    int32   `bson:"pressure"`
	RunType     string  `bson:"run_type"`
	IPC         float64 `bson:"IPC"`
}

// filter returns the upsert identity for m.
func (m Measurement) filter() bson.D {
	return bson.D{
		{Key: "node_name", Value: m.NodeName},
		{Key: "feature", Value: m.Feature},
		{Key: "feature_id", Value: m.FeatureID},
		{Key: "feature_type", Value: m.FeatureType},
		{Key: "global_jobid", Value: m.GlobalJobID},
		{Key: "pressure", Value: m.Pressure},
		{Key: "run_type", Value: m.RunType},
	}
}

// Combination holds one base job's co-run IPC table: the job's solo IPC and
// its IPC when co-running with each column job on the sibling CPU.
type Combination struct {
	Single float64
	Pairs  map[int32]float64
}

// Client wraps the profile_data database for a single node.
type Client struct {
	nodeName     string
	measurements *mongo.Collection
	combinations *mongo.Collection
	timestamps   *mongo.Collection
	client       *mongo.Client
}

// Connect dials the MongoDB deployment and selects the profile_data
// collections. The context bounds the initial server selection.
func Connect(ctx context.Context, url, nodeName string) (*Client, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", url, err)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db := cli.Database("profile_data")
	return &Client{
		nodeName:     nodeName,
		measurements: db.Collection("measurement"),
		combinations: db.Collection("combination"),
		timestamps:   db.Collection("timestamp"),
		client:       cli,
	}, nil
}

// Close tears down the underlying connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// NodeName returns the node this client is scoped to.
func (c *Client) NodeName() string { return c.nodeName }

// FetchProfileData returns every measurement for a job on this node,
// oldest first.
func (c *Client) FetchProfileData(ctx context.Context, jobID int32) ([]Measurement, error) {
	cur, err := c.measurements.Find(ctx,
		bson.D{{Key: "node_name", Value: c.nodeName}, {Key: "global_jobid", Value: jobID}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("store: fetch profile job=%d: %w", jobID, err)
	}
	var docs []Measurement
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decode profile job=%d: %w", jobID, err)
	}
	return docs, nil
}

// combinationDoc is the single per-node co-run document layout.
type combinationDoc struct {
	NodeName string                        `bson:"node_name"`
	Data     map[string]map[string]float64 `bson:"data"`
}

// FetchCombinationData returns the node's co-run IPC table keyed by base
// job id. The "single" column of each base maps to Combination.Single.
func (c *Client) FetchCombinationData(ctx context.Context) (map[int32]Combination, error) {
	var doc combinationDoc
	err := c.combinations.FindOne(ctx, bson.D{{Key: "node_name", Value: c.nodeName}}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return map[int32]Combination{}, nil
		}
		return nil, fmt.Errorf("store: fetch combination: %w", err)
	}
	return parseCombination(doc.Data)
}

func parseCombination(data map[string]map[string]float64) (map[int32]Combination, error) {
	out := make(map[int32]Combination, len(data))
	for baseKey, cols := range data {
		base, err := strconv.ParseInt(baseKey, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("store: bad combination base key %q: %w", baseKey, err)
		}
		comb := Combination{Pairs: make(map[int32]float64, len(cols))}
		for colKey, ipc := range cols {
			if colKey == "single" {
				comb.Single = ipc
				continue
			}
			col, err := strconv.ParseInt(colKey, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("store: bad combination column key %q: %w", colKey, err)
			}
			comb.Pairs[int32(col)] = ipc
		}
		out[int32(base)] = comb
	}
	return out, nil
}

// UpsertMeasurement writes m, replacing any document with the same
// identity. The node name is forced to the client's node and the IPC is
// rounded to six decimals before storage.
func (c *Client) UpsertMeasurement(ctx context.Context, m Measurement) error {
	m.NodeName = c.nodeName
	m.IPC = math.Round(m.IPC*1e6) / 1e6
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	_, err := c.measurements.UpdateOne(ctx, m.filter(),
		bson.D{{Key: "$set", Value: m}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: upsert %s job=%d p=%d %s: %w",
			m.Feature, m.GlobalJobID, m.Pressure, m.RunType, err)
	}
	return nil
}

// MarkDone records the profiling completion time for a job.
func (c *Client) MarkDone(ctx context.Context, jobID int32, ts time.Time) error {
	_, err := c.timestamps.UpdateOne(ctx,
		bson.D{{Key: "global_jobid", Value: jobID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "global_jobid", Value: jobID},
			{Key: "timestamp", Value: ts.Unix()},
		}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: mark done job=%d: %w", jobID, err)
	}
	return nil
}

// ClearNode deletes this node's measurement and combination documents and
// every document in the timestamp collection. Timestamp documents carry no
// node name, so that last delete is not limited to this node.
// Irreversible; intended for test tooling only.
func (c *Client) ClearNode(ctx context.Context) error {
	if _, err := c.measurements.DeleteMany(ctx, bson.D{{Key: "node_name", Value: c.nodeName}}); err != nil {
		return fmt.Errorf("store: clear measurements: %w", err)
	}
	if _, err := c.combinations.DeleteMany(ctx, bson.D{{Key: "node_name", Value: c.nodeName}}); err != nil {
		return fmt.Errorf("store: clear combinations: %w", err)
	}
	if _, err := c.timestamps.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("store: clear timestamps: %w", err)
	}
	return nil
}
