package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/addonhub/internal/models"
)

const customersCollection = "customers"

type firestoreCustomerRepository struct {
	client *firestore.Client
}

// NewFirestoreCustomerRepository creates a CustomerRepository backed by customers/{uid}.
func NewFirestoreCustomerRepository(client *firestore.Client) CustomerRepository {
	return &firestoreCustomerRepository{client: client}
}

func (r *firestoreCustomerRepository) GetByID(ctx context.Context, userID string) (*models.Customer, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty for GetByID operation")
	}
	snap, err := r.client.Collection(customersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("customer '%s' not found: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get customer '%s': %w", userID, err)
	}
	return decodeCustomer(snap)
}

func (r *firestoreCustomerRepository) FindByEmail(ctx context.Context, email string) (*models.Customer, error) {
	if email == "" {
		return nil, fmt.Errorf("empty email: %w", ErrNotFound)
	}
	return r.findOne(ctx, "email", email)
}

func (r *firestoreCustomerRepository) FindByStripeID(ctx context.Context, stripeID string) (*models.Customer, error) {
	if stripeID == "" {
		return nil, fmt.Errorf("empty stripe id: %w", ErrNotFound)
	}
	return r.findOne(ctx, "stripeId", stripeID)
}

func (r *firestoreCustomerRepository) findOne(ctx context.Context, field, value string) (*models.Customer, error) {
	iter := r.client.Collection(customersCollection).Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("customer with %s '%s' not found: %w", field, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query customers by %s: %w", field, err)
	}
	return decodeCustomer(doc)
}

func (r *firestoreCustomerRepository) Create(ctx context.Context, customer *models.Customer) error {
	if customer.UserID == "" {
		return errors.New("customer user ID cannot be empty for Create operation")
	}
	_, err := r.client.Collection(customersCollection).Doc(customer.UserID).Create(ctx, customer)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("customer '%s': %w", customer.UserID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create customer '%s': %w", customer.UserID, err)
	}
	return nil
}

func (r *firestoreCustomerRepository) LinkStripeID(ctx context.Context, userID, stripeID string, at time.Time) (string, error) {
	ref := r.client.Collection(customersCollection).Doc(userID)
	linked := stripeID
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			return tx.Create(ref, &models.Customer{StripeID: stripeID, CreatedAt: at, UpdatedAt: at})
		}
		existing, err := decodeCustomer(snap)
		if err != nil {
			return err
		}
		if existing.StripeID != "" {
			linked = existing.StripeID
			return nil
		}
		return tx.Set(ref, map[string]interface{}{"stripeId": stripeID, "updatedAt": at}, firestore.MergeAll)
	})
	if err != nil {
		return "", fmt.Errorf("failed to link stripe customer for '%s': %w", userID, err)
	}
	return linked, nil
}

func decodeCustomer(snap *firestore.DocumentSnapshot) (*models.Customer, error) {
	var c models.Customer
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode customer '%s': %w", snap.Ref.ID, err)
	}
	c.UserID = snap.Ref.ID
	return &c, nil
}
