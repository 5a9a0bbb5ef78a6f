package fence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore is a Store backed by a MongoDB collection (one document per
// account, _id = account id). Change notifications come from a collection
// change stream, which requires a replica set or sharded cluster.
//
// All writes are whole-document replaces or deletes so every change event
// carries the document as written. Conditional writes filter on the fields
// they were computed from and retry when another writer got there first.
//
// The client is owned by the caller.
type MongoStore struct {
	coll *mongo.Collection
	log  *slog.Logger
	hub  *watchHub

	backoffMin time.Duration
	backoffMax time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type mongoSession struct {
	ID     string `bson:"_id"`
	Record `bson:",inline"`
}

type mongoChange struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *mongoSession `bson:"fullDocument"`
}

// MongoOption configures MongoStore behavior.
type MongoOption func(*MongoStore) error

// WithMongoLogger sets the logger used by the change stream loop.
func WithMongoLogger(log *slog.Logger) MongoOption {
	return func(s *MongoStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewMongoStore opens the change stream on coll and starts consuming it.
func NewMongoStore(ctx context.Context, coll *mongo.Collection, opts ...MongoOption) (*MongoStore, error) {
	st := &MongoStore{
		coll:       coll,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub:        newWatchHub(),
		backoffMin: 250 * time.Millisecond,
		backoffMax: 10 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.coll == nil {
		return nil, errors.New("fence: nil mongo collection")
	}

	// Open synchronously so writes after NewMongoStore are always observed.
	cs, err := st.openStream(ctx)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	go st.consume(lctx, cs)
	return st, nil
}

// Close stops the change stream and every subscription.
func (s *MongoStore) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.hub.close()
	})
	return nil
}

// Ping checks primary reachability.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Put overwrites the record for rec.AccountID.
func (s *MongoStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)

	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": rec.AccountID},
		mongoSession{ID: rec.AccountID, Record: rec},
		options.Replace().SetUpsert(true),
	)
	return err
}

// MergeUpdate applies patch, conditioned on token when token is non-empty.
func (s *MongoStore) MergeUpdate(ctx context.Context, accountID, token string, patch Patch) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("fence: missing account id")
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if token != "" && cur.SessionToken != token {
			return ErrTokenMismatch
		}

		next := patch.apply(cur)
		next.LastHeartbeat = normalizeTime(next.LastHeartbeat)

		res, err := s.coll.ReplaceOne(ctx,
			bson.M{
				"_id":           accountID,
				"sessionToken":  cur.SessionToken,
				"lastHeartbeat": cur.LastHeartbeat,
			},
			mongoSession{ID: accountID, Record: next},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return errors.New("fence: mongo merge: too much contention")
}

// Get returns the stored record or ErrNotFound.
func (s *MongoStore) Get(ctx context.Context, accountID string) (Record, error) {
	var doc mongoSession
	err := s.coll.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromMongo(doc), nil
}

// Subscribe registers fn for changes to accountID.
func (s *MongoStore) Subscribe(ctx context.Context, accountID string, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, errors.New("fence: nil subscriber")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(accountID, fn)
}

// Delete removes the record unconditionally.
func (s *MongoStore) Delete(ctx context.Context, accountID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": accountID})
	return err
}

// DeleteIfToken removes the record only if it still carries token.
func (s *MongoStore) DeleteIfToken(ctx context.Context, accountID, token string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": accountID, "sessionToken": token})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) openStream(ctx context.Context) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "replace", "update", "delete"}}}}},
	}
	return s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
}

func (s *MongoStore) consume(ctx context.Context, cs *mongo.ChangeStream) {
	defer close(s.done)

	backoff := s.backoffMin
	for {
		for cs.Next(ctx) {
			backoff = s.backoffMin

			var ev mongoChange
			if err := cs.Decode(&ev); err != nil {
				s.log.Warn("fence.mongo.event.decode_fail", "err", err)
				continue
			}
			s.dispatch(ev)
		}

		err := cs.Err()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = cs.Close(closeCtx)
		closeCancel()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("fence.mongo.stream.fail", "err", err, "retry_in", backoff.String())

		for {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}

			next, err := s.openStream(ctx)
			if err != nil {
				s.log.Warn("fence.mongo.stream.reopen_fail", "err", err)
				continue
			}
			cs = next
			break
		}
		s.resync(ctx)
	}
}

func (s *MongoStore) dispatch(ev mongoChange) {
	acct := ev.DocumentKey.ID
	if acct == "" || !s.hub.watched(acct) {
		return
	}
	if ev.OperationType == "delete" {
		s.hub.publish(Change{AccountID: acct})
		return
	}
	// An update looked up after a later delete has no document.
	if ev.FullDocument == nil {
		return
	}
	rec := fromMongo(*ev.FullDocument)
	s.hub.publish(Change{AccountID: acct, Record: &rec})
}

func (s *MongoStore) resync(ctx context.Context) {
	accts := s.hub.accounts()
	s.log.Info("fence.mongo.resync", "accounts", len(accts))

	rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	for _, acct := range accts {
		rec, err := s.Get(rctx, acct)
		switch {
		case err == nil:
			s.hub.publish(Change{AccountID: acct, Record: &rec})
		case errors.Is(err, ErrNotFound):
			s.hub.publish(Change{AccountID: acct})
		default:
			s.log.Warn("fence.mongo.resync.fail", "account_id", acct, "err", err)
		}
	}
}

func fromMongo(doc mongoSession) Record {
	rec := doc.Record
	if rec.AccountID == "" {
		rec.AccountID = doc.ID
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.LastHeartbeat = normalizeTime(rec.LastHeartbeat)
	return rec
}
