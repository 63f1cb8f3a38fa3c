package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iliyamo/patient-care-reminder/internal/model"
)

const subscriptionsCollection = "subscriptions"

// ErrSubscriptionNotFound is returned by Delete when no subscription matched.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionStore persists push subscriptions.  Each call obtains its
// database handle from the connection cache.
type SubscriptionStore struct {
	cache *Cache
}

func NewSubscriptionStore(cache *Cache) *SubscriptionStore {
	return &SubscriptionStore{cache: cache}
}

func (s *SubscriptionStore) collection(ctx context.Context) (*mongo.Collection, error) {
	h, err := s.cache.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return h.Database.Collection(subscriptionsCollection), nil
}

// EnsureIndexes creates the unique endpoint index and the per-user lookup index.
func (s *SubscriptionStore) EnsureIndexes(ctx context.Context) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "endpoint", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}
	return nil
}

// Save upserts a subscription by endpoint.  A browser that re-subscribes
// under another account moves the endpoint to the new user.
func (s *SubscriptionStore) Save(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return model.Subscription{}, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set": bson.M{
			"keys":       sub.Keys,
			"user_id":    sub.UserID,
			"user_agent": sub.UserAgent,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var saved model.Subscription
	err = coll.FindOneAndUpdate(ctx, bson.M{"endpoint": sub.Endpoint}, update, opts).Decode(&saved)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("save subscription: %w", err)
	}
	return saved, nil
}

// ListByUser returns the user's subscriptions, oldest first.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID uint64) ([]model.Subscription, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	subs := []model.Subscription{}
	if err := cur.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return subs, nil
}

// Delete removes the user's subscription for endpoint.
func (s *SubscriptionStore) Delete(ctx context.Context, userID uint64, endpoint string) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"endpoint": endpoint, "user_id": userID})
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
