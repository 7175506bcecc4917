package db

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/addonhub/internal/models"
)

const (
	checkoutSessionsCollection = "checkout_sessions"
	emailsSentCollection       = "emails_sent"
)

type firestoreCheckoutSessionRepository struct {
	client *firestore.Client
}

// NewFirestoreCheckoutSessionRepository stores sessions under customers/{uid}/checkout_sessions.
func NewFirestoreCheckoutSessionRepository(client *firestore.Client) CheckoutSessionRepository {
	return &firestoreCheckoutSessionRepository{client: client}
}

func (r *firestoreCheckoutSessionRepository) col(userID string) *firestore.CollectionRef {
	return r.client.Collection(customersCollection).Doc(userID).Collection(checkoutSessionsCollection)
}

func (r *firestoreCheckoutSessionRepository) Create(ctx context.Context, userID string, session *models.CheckoutSession) error {
	_, err := r.col(userID).Doc(session.ID).Create(ctx, session)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("checkout session '%s': %w", session.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to record checkout session '%s': %w", session.ID, err)
	}
	return nil
}

func (r *firestoreCheckoutSessionRepository) ListOpen(ctx context.Context, userID, priceID string) ([]*models.CheckoutSession, error) {
	iter := r.col(userID).
		Where("status", "==", models.CheckoutStatusCreated).
		Where("priceId", "==", priceID).
		Documents(ctx)
	defer iter.Stop()

	var sessions []*models.CheckoutSession
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list checkout sessions for '%s': %w", userID, err)
		}
		var cs models.CheckoutSession
		if err := doc.DataTo(&cs); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session '%s': %w", doc.Ref.ID, err)
		}
		cs.ID = doc.Ref.ID
		sessions = append(sessions, &cs)
	}
	return sessions, nil
}

// MarkCompleted also records sessions that were started outside this backend.
func (r *firestoreCheckoutSessionRepository) MarkCompleted(ctx context.Context, userID, sessionID string, at time.Time) error {
	data := map[string]interface{}{
		"sessionId": sessionID,
		"status":    models.CheckoutStatusCompleted,
		"updated":   at,
	}
	if _, err := r.col(userID).Doc(sessionID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to complete checkout session '%s': %w", sessionID, err)
	}
	return nil
}

type firestoreEmailMarkerRepository struct {
	client *firestore.Client
}

// NewFirestoreEmailMarkerRepository stores markers under customers/{uid}/emails_sent.
func NewFirestoreEmailMarkerRepository(client *firestore.Client) EmailMarkerRepository {
	return &firestoreEmailMarkerRepository{client: client}
}

func (r *firestoreEmailMarkerRepository) CreateMarker(ctx context.Context, userID, markerID string, marker models.EmailMarker) (bool, error) {
	ref := r.client.Collection(customersCollection).Doc(userID).Collection(emailsSentCollection).Doc(markerID)
	if _, err := ref.Create(ctx, marker); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to create email marker '%s': %w", markerID, err)
	}
	return true, nil
}
