package db

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/addonhub/internal/models"
)

const webhookEventsCollection = "webhook_events"

type firestoreWebhookEventRepository struct {
	client *firestore.Client
}

// NewFirestoreWebhookEventRepository creates the ledger backed by webhook_events/{eventId}.
func NewFirestoreWebhookEventRepository(client *firestore.Client) WebhookEventRepository {
	return &firestoreWebhookEventRepository{client: client}
}

// Claim creates the ledger entry in processing state, or takes over an entry whose
// previous attempt failed or whose lease expired. The read and the write happen in
// one transaction so two deliveries of the same event cannot both acquire it.
func (r *firestoreWebhookEventRepository) Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (ClaimResult, error) {
	ref := r.client.Collection(webhookEventsCollection).Doc(eventID)
	result := ClaimAcquired
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = ClaimAcquired
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			return tx.Create(ref, &models.WebhookEvent{
				Type:       eventType,
				Status:     models.WebhookStatusProcessing,
				ReceivedAt: now,
				LeaseUntil: now.Add(lease),
				Attempts:   1,
			})
		}

		var ev models.WebhookEvent
		if err := snap.DataTo(&ev); err != nil {
			return err
		}
		switch {
		case ev.Status == models.WebhookStatusApplied:
			result = ClaimAlreadyApplied
			return nil
		case ev.Status == models.WebhookStatusProcessing && ev.LeaseUntil.After(now):
			result = ClaimInFlight
			return nil
		}
		return tx.Set(ref, map[string]interface{}{
			"status":     models.WebhookStatusProcessing,
			"leaseUntil": now.Add(lease),
			"attempts":   firestore.Increment(1),
		}, firestore.MergeAll)
	})
	if err != nil {
		return ClaimAcquired, fmt.Errorf("failed to claim webhook event '%s': %w", eventID, err)
	}
	return result, nil
}

func (r *firestoreWebhookEventRepository) MarkApplied(ctx context.Context, eventID string, at time.Time) error {
	data := map[string]interface{}{
		"status":    models.WebhookStatusApplied,
		"appliedAt": at,
		"lastError": firestore.Delete,
	}
	if _, err := r.client.Collection(webhookEventsCollection).Doc(eventID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to mark webhook event '%s' applied: %w", eventID, err)
	}
	return nil
}

func (r *firestoreWebhookEventRepository) MarkFailed(ctx context.Context, eventID, reason string, at time.Time) error {
	data := map[string]interface{}{
		"status":     models.WebhookStatusFailed,
		"lastError":  reason,
		"leaseUntil": at,
	}
	if _, err := r.client.Collection(webhookEventsCollection).Doc(eventID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to mark webhook event '%s' failed: %w", eventID, err)
	}
	return nil
}

func (r *firestoreWebhookEventRepository) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	snap, err := r.client.Collection(webhookEventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("webhook event '%s' not found: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get webhook event '%s': %w", eventID, err)
	}
	var ev models.WebhookEvent
	if err := snap.DataTo(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event '%s': %w", eventID, err)
	}
	ev.ID = snap.Ref.ID
	return &ev, nil
}
