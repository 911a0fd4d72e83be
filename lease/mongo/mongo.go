package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/projecteru2/anvil/lease"
	"github.com/projecteru2/anvil/types"
)

const (
	collectionName = "node_leases"
	opTimeout      = 5 * time.Second
)

// compile-time interface check.
var _ lease.Store = (*Store)(nil)

// holderEntry is one grant inside a node document.
type holderEntry struct {
	Holder     string    `bson:"holder"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// nodeDoc is the per-node lease document. _id is the node ID, so the
// primary key makes concurrent first-time upserts collide instead of
// creating two documents.
type nodeDoc struct {
	NodeID    string        `bson:"_id"`
	Exclusive *holderEntry  `bson:"exclusive,omitempty"`
	Shared    []holderEntry `bson:"shared,omitempty"`
}

// Store keeps leases in MongoDB for orchestrators on different hosts.
// Acquisition is a single FindOneAndUpdate whose filter encodes the
// conflict rules; a non-matching filter turns the upsert into a duplicate
// key error, which is reported as a lock conflict.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to uri and uses the node_leases collection of database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second) //nolint:mnd
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.WithFunc("lease.mongo.New").Infof(ctx, "lease store connected to %s/%s", database, collectionName)
	return &Store{client: client, coll: client.Database(database).Collection(collectionName)}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func exclusiveFree(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"exclusive": nil},
		bson.M{"exclusive.expires_at": bson.M{"$lte": now}},
	}}
}

func noLiveShared(now time.Time) bson.M {
	return bson.M{"shared": bson.M{"$not": bson.M{"$elemMatch": bson.M{"expires_at": bson.M{"$gt": now}}}}}
}

// acquireQuery builds the conditional upsert granting entry in mode. The
// filter matches only a document on which the grant is allowed.
func acquireQuery(nodeID string, mode types.LeaseMode, entry holderEntry, now time.Time) (filter, update bson.M) {
	if mode == types.LeaseExclusive {
		filter = bson.M{"_id": nodeID, "$and": bson.A{exclusiveFree(now), noLiveShared(now)}}
		update = bson.M{"$set": bson.M{"exclusive": entry, "shared": bson.A{}}}
		return filter, update
	}
	filter = bson.M{"_id": nodeID, "$and": bson.A{exclusiveFree(now)}}
	update = bson.M{"$unset": bson.M{"exclusive": ""}, "$push": bson.M{"shared": entry}}
	return filter, update
}

func (s *Store) Acquire(ctx context.Context, nodeID, holder string, mode types.LeaseMode, ttl time.Duration) (*types.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	entry := holderEntry{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	filter, update := acquireQuery(nodeID, mode, entry, now)
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc nodeDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) || errors.Is(err, mongo.ErrNoDocuments) {
			return nil, lease.Locked(nodeID, s.current(ctx, nodeID, now))
		}
		return nil, fmt.Errorf("acquire lease on %s: %w", nodeID, err)
	}

	log.WithFunc("lease.mongo.Acquire").Debugf(ctx, "%s lease on %s granted to %s until %s", mode, nodeID, holder, entry.ExpiresAt)
	return &types.Lease{
		NodeID:     nodeID,
		Holder:     holder,
		Mode:       mode,
		AcquiredAt: entry.AcquiredAt,
		ExpiresAt:  entry.ExpiresAt,
	}, nil
}

// current returns a live lease blocking nodeID, for the conflict message.
func (s *Store) current(ctx context.Context, nodeID string, now time.Time) *types.Lease {
	var doc nodeDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": nodeID}).Decode(&doc); err != nil {
		return nil
	}
	leases := toLeases(&doc)
	for _, l := range leases {
		if !l.Expired(now) && l.Mode == types.LeaseExclusive {
			return l
		}
	}
	for _, l := range leases {
		if !l.Expired(now) {
			return l
		}
	}
	return nil
}

func (s *Store) Release(ctx context.Context, l *types.Lease) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var filter, update bson.M
	if l.Mode == types.LeaseExclusive {
		filter = bson.M{"_id": l.NodeID, "exclusive.holder": l.Holder}
		update = bson.M{"$unset": bson.M{"exclusive": ""}}
	} else {
		filter = bson.M{"_id": l.NodeID, "shared.holder": l.Holder}
		update = bson.M{"$pull": bson.M{"shared": bson.M{"holder": l.Holder}}}
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", l.NodeID, err)
	}
	if res.MatchedCount == 0 {
		return lease.Lost(l)
	}
	return nil
}

func (s *Store) Extend(ctx context.Context, l *types.Lease, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	var filter, update bson.M
	if l.Mode == types.LeaseExclusive {
		filter = bson.M{"_id": l.NodeID, "exclusive.holder": l.Holder, "exclusive.expires_at": bson.M{"$gt": now}}
		update = bson.M{"$set": bson.M{"exclusive.expires_at": expiresAt}}
	} else {
		filter = bson.M{"_id": l.NodeID, "shared": bson.M{"$elemMatch": bson.M{"holder": l.Holder, "expires_at": bson.M{"$gt": now}}}}
		update = bson.M{"$set": bson.M{"shared.$.expires_at": expiresAt}}
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("extend lease on %s: %w", l.NodeID, err)
	}
	if res.MatchedCount == 0 {
		return lease.Lost(l)
	}
	l.ExpiresAt = expiresAt
	return nil
}

func (s *Store) List(ctx context.Context) ([]*types.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	var out []*types.Lease
	for cur.Next(ctx) {
		var doc nodeDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode lease: %w", err)
		}
		out = append(out, toLeases(&doc)...)
	}
	return out, cur.Err()
}

// CleanExpired removes expired grants. Crashed holders leave these behind;
// Acquire already ignores them, this only keeps documents small.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	now := time.Now().UTC()
	excl, err := s.coll.UpdateMany(ctx,
		bson.M{"exclusive.expires_at": bson.M{"$lte": now}},
		bson.M{"$unset": bson.M{"exclusive": ""}})
	if err != nil {
		return 0, fmt.Errorf("clean expired exclusive leases: %w", err)
	}
	shared, err := s.coll.UpdateMany(ctx,
		bson.M{"shared.expires_at": bson.M{"$lte": now}},
		bson.M{"$pull": bson.M{"shared": bson.M{"expires_at": bson.M{"$lte": now}}}})
	if err != nil {
		return 0, fmt.Errorf("clean expired shared leases: %w", err)
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{
		"exclusive": nil,
		"$or":       bson.A{bson.M{"shared": bson.M{"$size": 0}}, bson.M{"shared": nil}},
	}); err != nil {
		return 0, fmt.Errorf("drop empty lease documents: %w", err)
	}
	n := int(excl.ModifiedCount + shared.ModifiedCount)
	if n > 0 {
		log.WithFunc("lease.mongo.CleanExpired").Infof(ctx, "cleaned expired leases on %d documents", n)
	}
	return n, nil
}

func toLeases(doc *nodeDoc) []*types.Lease {
	var out []*types.Lease
	if doc.Exclusive != nil {
		out = append(out, &types.Lease{
			NodeID:     doc.NodeID,
			Holder:     doc.Exclusive.Holder,
			Mode:       types.LeaseExclusive,
			AcquiredAt: doc.Exclusive.AcquiredAt,
			ExpiresAt:  doc.Exclusive.ExpiresAt,
		})
	}
	for _, e := range doc.Shared {
		out = append(out, &types.Lease{
			NodeID:     doc.NodeID,
			Holder:     e.Holder,
			Mode:       types.LeaseShared,
			AcquiredAt: e.AcquiredAt,
			ExpiresAt:  e.ExpiresAt,
		})
	}
	return out
}
