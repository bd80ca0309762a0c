// Package store is the MongoDB persistence layer: tick history, raw
// quotes, and enriched chain snapshots. Writes are insert-only; prior
// records are never mutated.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"optionstream/internal/types"
)

const (
	collUnderlyingTicks = "underlying_ticks"
	collOptionQuotes    = "option_quotes"
	collOptionChains    = "option_chains"
)

// Store wraps the Mongo database holding the pipeline's durable history.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials Mongo and pings the primary.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(dbName)}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the compound secondary indexes the read paths
// depend on. Safe to call on every startup; Mongo treats existing
// identical indexes as a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collUnderlyingTicks: {
			{Keys: bson.D{{Key: "product", Value: 1}, {Key: "generated_at", Value: -1}}},
			// One record per (product, tick_id); backs the exactly-once
			// persistence property alongside the idempotency gate.
			{
				Keys:    bson.D{{Key: "product", Value: 1}, {Key: "tick_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collOptionQuotes: {
			{Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "generated_at", Value: -1}}},
			{Keys: bson.D{{Key: "product", Value: 1}, {Key: "generated_at", Value: -1}}},
		},
		collOptionChains: {
			// One record per raw chain. A retry that re-runs the insert
			// after a partial failure hits the unique index instead of
			// duplicating the snapshot; the descending key also serves
			// the latest-chain and range reads.
			{
				Keys:    bson.D{{Key: "product", Value: 1}, {Key: "expiry", Value: 1}, {Key: "generated_at", Value: -1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// InsertTick persists one underlying tick.
func (s *Store) InsertTick(ctx context.Context, tick *types.UnderlyingTick) error {
	if _, err := s.db.Collection(collUnderlyingTicks).InsertOne(ctx, tick); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Already persisted by an earlier delivery; the caller treats
			// this as success.
			return nil
		}
		return fmt.Errorf("insert tick %s/%d: %w", tick.Product, tick.TickID, err)
	}
	return nil
}

// InsertQuote persists one option quote.
func (s *Store) InsertQuote(ctx context.Context, quote *types.OptionQuote) error {
	if _, err := s.db.Collection(collOptionQuotes).InsertOne(ctx, quote); err != nil {
		return fmt.Errorf("insert quote %s: %w", quote.Symbol, err)
	}
	return nil
}

// InsertEnrichedChain persists one enriched chain snapshot.
func (s *Store) InsertEnrichedChain(ctx context.Context, chain *types.EnrichedChain) error {
	if _, err := s.db.Collection(collOptionChains).InsertOne(ctx, chain); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A retry of a task that already got its insert through; the
			// caller treats this as success and finishes the remaining
			// side effects.
			return nil
		}
		return fmt.Errorf("insert enriched chain %s/%s: %w", chain.Product, chain.Expiry, err)
	}
	return nil
}

// TicksSince returns ticks for product with generated_at >= since, sorted
// ascending by generated_at. Feeds the OHLC window computation.
func (s *Store) TicksSince(ctx context.Context, product string, since time.Time) ([]types.UnderlyingTick, error) {
	filter := bson.M{
		"product":      product,
		"generated_at": bson.M{"$gte": since},
	}
	opts := options.Find().SetSort(bson.D{{Key: "generated_at", Value: 1}})

	cursor, err := s.db.Collection(collUnderlyingTicks).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query ticks for %s: %w", product, err)
	}
	defer cursor.Close(ctx)

	var ticks []types.UnderlyingTick
	if err := cursor.All(ctx, &ticks); err != nil {
		return nil, fmt.Errorf("decode ticks for %s: %w", product, err)
	}
	return ticks, nil
}

// QuotesSince returns quotes for product with generated_at >= since,
// sorted ascending by generated_at. Feeds the IV surface computation.
func (s *Store) QuotesSince(ctx context.Context, product string, since time.Time) ([]types.OptionQuote, error) {
	filter := bson.M{
		"product":      product,
		"generated_at": bson.M{"$gte": since},
	}
	opts := options.Find().SetSort(bson.D{{Key: "generated_at", Value: 1}})

	cursor, err := s.db.Collection(collOptionQuotes).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query quotes for %s: %w", product, err)
	}
	defer cursor.Close(ctx)

	var quotes []types.OptionQuote
	if err := cursor.All(ctx, &quotes); err != nil {
		return nil, fmt.Errorf("decode quotes for %s: %w", product, err)
	}
	return quotes, nil
}

// LatestChain returns the most recent enriched chain for (product, expiry),
// or nil when none is persisted. For operational tooling; the hot path
// reads the cache instead.
func (s *Store) LatestChain(ctx context.Context, product, expiry string) (*types.EnrichedChain, error) {
	filter := bson.M{"product": product, "expiry": expiry}
	opts := options.FindOne().SetSort(bson.D{{Key: "generated_at", Value: -1}})

	var chain types.EnrichedChain
	err := s.db.Collection(collOptionChains).FindOne(ctx, filter, opts).Decode(&chain)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest chain %s/%s: %w", product, expiry, err)
	}
	return &chain, nil
}
