// Package archive keeps a copy of every calibration snapshot in MongoDB so
// that long runs can be inspected or resumed from another machine. One
// document is stored per (run, target type, iteration, micro-zone), tagged
// with the write that produced it. A manifest document per iteration names
// the committed write; zone documents of any other write are ignored.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/locsim/locsim/sim/shadow"
)

var (
	// ErrNotFound is returned when no committed snapshot matches.
	ErrNotFound = errors.New("archived snapshot not found")
	// ErrIncomplete is returned when a committed snapshot is missing zones.
	ErrIncomplete = errors.New("archived snapshot incomplete")
)

// SegmentState is one segment's snapshot block for a micro-zone.
type SegmentState struct {
	Segment         string  `bson:"segment"`
	Origins         float64 `bson:"origins"`
	SizeOriginal    float64 `bson:"size_original"`
	SizeAdjOriginal float64 `bson:"size_adj_original"`
	SizeScaled      float64 `bson:"size_scaled"`
	SizePrevious    float64 `bson:"size_previous"`
	ModeledDests    float64 `bson:"modeled_dests"`
	SizeFinal       float64 `bson:"size_final"`
	ShadowPrice     float64 `bson:"shadow_price"`
}

// Document is the stored form of one snapshot row.
type Document struct {
	RunID      string         `bson:"run_id"`
	TargetType string         `bson:"target_type"`
	Iteration  int            `bson:"iteration"`
	WriteID    string         `bson:"write_id"`
	Alt        int            `bson:"alt"`
	Micro      int            `bson:"mgra"`
	Segments   []SegmentState `bson:"segments"`
	SavedAt    time.Time      `bson:"saved_at"`
}

// Manifest marks one iteration's snapshot as committed. It is written only
// after every zone document of WriteID is stored.
type Manifest struct {
	RunID      string    `bson:"run_id"`
	TargetType string    `bson:"target_type"`
	Iteration  int       `bson:"iteration"`
	WriteID    string    `bson:"write_id"`
	Zones      int       `bson:"zones"`
	SavedAt    time.Time `bson:"saved_at"`
}

// ToDocuments converts snapshot rows into documents. segments names the
// blocks of each row in order.
func ToDocuments(runID, targetType string, iteration int, segments []string, rows []shadow.SnapshotRow, savedAt time.Time) ([]Document, error) {
	width := len(segments) * len(shadow.SnapshotColumns)
	docs := make([]Document, len(rows))
	for i, row := range rows {
		if len(row.Values) != width {
			return nil, fmt.Errorf("zone %d has %d values, want %d", row.Micro, len(row.Values), width)
		}
		states := make([]SegmentState, len(segments))
		for s, name := range segments {
			v := row.Values[s*len(shadow.SnapshotColumns):]
			states[s] = SegmentState{
				Segment:         name,
				Origins:         v[0],
				SizeOriginal:    v[1],
				SizeAdjOriginal: v[2],
				SizeScaled:      v[3],
				SizePrevious:    v[4],
				ModeledDests:    v[5],
				SizeFinal:       v[6],
				ShadowPrice:     v[7],
			}
		}
		docs[i] = Document{
			RunID:      runID,
			TargetType: targetType,
			Iteration:  iteration,
			Alt:        row.Alt,
			Micro:      row.Micro,
			Segments:   states,
			SavedAt:    savedAt,
		}
	}
	return docs, nil
}

// FromDocuments converts documents back to snapshot rows with blocks in the
// order of segments. Every document must carry every segment.
func FromDocuments(docs []Document, segments []string) ([]shadow.SnapshotRow, error) {
	rows := make([]shadow.SnapshotRow, len(docs))
	for i, doc := range docs {
		bySegment := make(map[string]SegmentState, len(doc.Segments))
		for _, st := range doc.Segments {
			if _, dup := bySegment[st.Segment]; dup {
				return nil, fmt.Errorf("zone %d lists segment %q twice", doc.Micro, st.Segment)
			}
			bySegment[st.Segment] = st
		}
		values := make([]float64, 0, len(segments)*len(shadow.SnapshotColumns))
		for _, name := range segments {
			st, ok := bySegment[name]
			if !ok {
				return nil, fmt.Errorf("zone %d has no state for segment %q", doc.Micro, name)
			}
			values = append(values,
				st.Origins, st.SizeOriginal, st.SizeAdjOriginal, st.SizeScaled,
				st.SizePrevious, st.ModeledDests, st.SizeFinal, st.ShadowPrice)
		}
		rows[i] = shadow.SnapshotRow{Alt: doc.Alt, Micro: doc.Micro, Values: values}
	}
	return rows, nil
}

func snapshotFilter(runID, targetType string, iteration int) bson.D {
	return bson.D{
		{Key: "run_id", Value: runID},
		{Key: "target_type", Value: targetType},
		{Key: "iteration", Value: iteration},
	}
}

// writeFilter matches the zone documents of one write.
func writeFilter(runID, targetType string, iteration int, writeID string) bson.D {
	return append(snapshotFilter(runID, targetType, iteration), bson.E{Key: "write_id", Value: writeID})
}

// staleFilter matches the zone documents of every write but writeID.
func staleFilter(runID, targetType string, iteration int, writeID string) bson.D {
	return append(snapshotFilter(runID, targetType, iteration),
		bson.E{Key: "write_id", Value: bson.D{{Key: "$ne", Value: writeID}}})
}

// checkComplete verifies that docs hold every zone m committed.
func checkComplete(m Manifest, docs []Document) error {
	if len(docs) != m.Zones {
		return fmt.Errorf("%w: run %q %s iteration %d has %d of %d zones",
			ErrIncomplete, m.RunID, m.TargetType, m.Iteration, len(docs), m.Zones)
	}
	for _, doc := range docs {
		if doc.WriteID != m.WriteID {
			return fmt.Errorf("%w: zone %d belongs to write %q, want %q", ErrIncomplete, doc.Micro, doc.WriteID, m.WriteID)
		}
	}
	return nil
}

// Config locates the archive collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	RunID      string
	Timeout    time.Duration // per operation; 0 means 30s
}

// Archive stores snapshots for one run.
type Archive struct {
	client    *mongo.Client
	coll      *mongo.Collection
	manifests *mongo.Collection
	runID   string
	timeout time.Duration
	now     func() time.Time
}

// Open connects to MongoDB and ensures the lookup index exists.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.URI == "" || cfg.Database == "" || cfg.Collection == "" {
		return nil, errors.New("archive config: uri, database and collection are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to archive: %w", err)
	}
	db := client.Database(cfg.Database)
	a := &Archive{
		client:    client,
		coll:      db.Collection(cfg.Collection),
		manifests: db.Collection(cfg.Collection + "_manifest"),
		runID:     cfg.RunID,
		timeout:   timeout,
		now:       time.Now,
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = a.coll.Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "target_type", Value: 1},
			{Key: "iteration", Value: 1},
			{Key: "write_id", Value: 1},
			{Key: "mgra", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err == nil {
		_, err = a.manifests.Indexes().CreateOne(opCtx, mongo.IndexModel{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "target_type", Value: 1},
				{Key: "iteration", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		})
	}
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating archive index: %w", err)
	}
	logrus.Infof("archiving snapshots to %s.%s (run %q)", cfg.Database, cfg.Collection, cfg.RunID)
	return a, nil
}

// Save stores a new copy of the snapshot for targetType and iteration. The
// zone documents are inserted first and the manifest is switched to them
// last, so an interrupted Save leaves the previous copy (or none) committed.
func (a *Archive) Save(ctx context.Context, targetType string, iteration int, segments []string, rows []shadow.SnapshotRow) error {
	savedAt := a.now().UTC()
	docs, err := ToDocuments(a.runID, targetType, iteration, segments, rows, savedAt)
	if err != nil {
		return err
	}
	writeID := primitive.NewObjectID().Hex()
	batch := make([]interface{}, len(docs))
	for i := range docs {
		docs[i].WriteID = writeID
		batch[i] = docs[i]
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.coll.InsertMany(ctx, batch); err != nil {
		a.discard(writeFilter(a.runID, targetType, iteration, writeID))
		return fmt.Errorf("archiving %s iteration %d: %w", targetType, iteration, err)
	}
	m := Manifest{
		RunID:      a.runID,
		TargetType: targetType,
		Iteration:  iteration,
		WriteID:    writeID,
		Zones:      len(docs),
		SavedAt:    savedAt,
	}
	_, err = a.manifests.ReplaceOne(ctx, snapshotFilter(a.runID, targetType, iteration), m,
		options.Replace().SetUpsert(true))
	if err != nil {
		a.discard(writeFilter(a.runID, targetType, iteration, writeID))
		return fmt.Errorf("committing %s iteration %d: %w", targetType, iteration, err)
	}
	if _, err := a.coll.DeleteMany(ctx, staleFilter(a.runID, targetType, iteration, writeID)); err != nil {
		logrus.Warnf("removing superseded copies of %s iteration %d: %v", targetType, iteration, err)
	}
	logrus.Debugf("archived %d zones for %s iteration %d", len(docs), targetType, iteration)
	return nil
}

// discard removes the documents of an uncommitted write.
func (a *Archive) discard(filter bson.D) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if _, err := a.coll.DeleteMany(ctx, filter); err != nil {
		logrus.Warnf("removing uncommitted archive documents: %v", err)
	}
}

// Load returns the committed snapshot rows in micro-zone order.
func (a *Archive) Load(ctx context.Context, targetType string, iteration int, segments []string) ([]shadow.SnapshotRow, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var m Manifest
	err := a.manifests.FindOne(ctx, snapshotFilter(a.runID, targetType, iteration)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: run %q %s iteration %d", ErrNotFound, a.runID, targetType, iteration)
	}
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}

	cur, err := a.coll.Find(ctx, writeFilter(a.runID, targetType, iteration, m.WriteID),
		options.Find().SetSort(bson.D{{Key: "mgra", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer cur.Close(ctx)

	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	if err := checkComplete(m, docs); err != nil {
		return nil, err
	}
	return FromDocuments(docs, segments)
}

// LatestIteration returns the highest committed iteration for targetType.
func (a *Archive) LatestIteration(ctx context.Context, targetType string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var m Manifest
	err := a.manifests.FindOne(ctx,
		bson.D{{Key: "run_id", Value: a.runID}, {Key: "target_type", Value: targetType}},
		options.FindOne().SetSort(bson.D{{Key: "iteration", Value: -1}}),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: run %q %s", ErrNotFound, a.runID, targetType)
	}
	if err != nil {
		return 0, fmt.Errorf("querying archive: %w", err)
	}
	return m.Iteration, nil
}

// Close disconnects from MongoDB.
func (a *Archive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
