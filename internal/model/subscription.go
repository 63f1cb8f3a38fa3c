package model

import "time"

// SubscriptionKeys are the browser-generated keys of a Web Push subscription.
type SubscriptionKeys struct {
	P256dh string `bson:"p256dh" json:"p256dh"`
	Auth   string `bson:"auth" json:"auth"`
}

// Subscription is a push-notification subscription document in the
// `subscriptions` collection.  Endpoint is unique across all users.
type Subscription struct {
	Endpoint  string           `bson:"endpoint" json:"endpoint"`
	Keys      SubscriptionKeys `bson:"keys" json:"keys"`
	UserID    uint64           `bson:"user_id" json:"user_id"`
	UserAgent string           `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	CreatedAt time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time        `bson:"updated_at" json:"updated_at"`
}
