package db

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/addonhub/internal/models"
)

const subscriptionsCollection = "subscriptions"

type firestoreSubscriptionRepository struct {
	client *firestore.Client
}

// NewFirestoreSubscriptionRepository stores subscriptions under customers/{uid}/subscriptions.
func NewFirestoreSubscriptionRepository(client *firestore.Client) SubscriptionRepository {
	return &firestoreSubscriptionRepository{client: client}
}

func (r *firestoreSubscriptionRepository) col(userID string) *firestore.CollectionRef {
	return r.client.Collection(customersCollection).Doc(userID).Collection(subscriptionsCollection)
}

func (r *firestoreSubscriptionRepository) Get(ctx context.Context, userID, subscriptionID string) (*models.Subscription, error) {
	snap, err := r.col(userID).Doc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("subscription '%s' not found: %w", subscriptionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription '%s': %w", subscriptionID, err)
	}
	return decodeSubscription(snap)
}

func (r *firestoreSubscriptionRepository) ListByStatus(ctx context.Context, userID string, statuses []string) ([]*models.Subscription, error) {
	iter := r.col(userID).Where("status", "in", statuses).Documents(ctx)
	defer iter.Stop()

	var subs []*models.Subscription
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for '%s': %w", userID, err)
		}
		sub, err := decodeSubscription(doc)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *firestoreSubscriptionRepository) Apply(ctx context.Context, userID, subscriptionID string, fn SubscriptionMutator) (*models.Subscription, error) {
	ref := r.col(userID).Doc(subscriptionID)
	var result *models.Subscription
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var existing *models.Subscription
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if existing, err = decodeSubscription(snap); err != nil {
				return err
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		if next == nil {
			result = existing
			return nil
		}
		next.ID = subscriptionID
		result = next
		return tx.Set(ref, next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply subscription '%s': %w", subscriptionID, err)
	}
	return result, nil
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*models.Subscription, error) {
	var sub models.Subscription
	if err := snap.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription '%s': %w", snap.Ref.ID, err)
	}
	sub.ID = snap.Ref.ID
	return &sub, nil
}
