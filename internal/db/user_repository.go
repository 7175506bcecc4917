package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/addonhub/internal/models"
)

const usersCollection = "users"

// firestoreUserRepository implements the UserRepository interface using Firestore.
type firestoreUserRepository struct {
	client *firestore.Client
}

// NewFirestoreUserRepository creates a new instance of firestoreUserRepository.
func NewFirestoreUserRepository(client *firestore.Client) UserRepository {
	return &firestoreUserRepository{client: client}
}

// Create adds a new user document. The Firebase Auth UID is the document ID.
func (r *firestoreUserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return errors.New("user ID cannot be empty for Create operation")
	}
	_, err := r.client.Collection(usersCollection).Doc(user.ID).Create(ctx, user)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("user with ID '%s': %w", user.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create user with ID '%s': %w", user.ID, err)
	}
	return nil
}

// GetByID retrieves a user document by Firebase Auth UID.
func (r *firestoreUserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty for GetByID operation")
	}
	docSnap, err := r.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("user with ID '%s' not found: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user with ID '%s': %w", userID, err)
	}

	var user models.User
	if err := docSnap.DataTo(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user data for ID '%s': %w", userID, err)
	}
	user.ID = docSnap.Ref.ID

	return &user, nil
}

// Update writes the full user struct with MergeAll. Fields outside the struct survive.
func (r *firestoreUserRepository) Update(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return errors.New("user ID cannot be empty for Update operation")
	}
	_, err := r.client.Collection(usersCollection).Doc(user.ID).Set(ctx, user, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update user with ID '%s': %w", user.ID, err)
	}
	return nil
}

func (r *firestoreUserRepository) ApplySubscription(ctx context.Context, userID string, u models.UserSubscriptionUpdate) error {
	data := map[string]interface{}{
		"productRoles":  map[string]interface{}{string(u.Product): string(u.Role)},
		"productStatus": map[string]interface{}{string(u.Product): u.Status},
		"updatedAt":     u.At,
	}
	if u.Primary {
		data["stripeRole"] = string(u.Role)
		data["subscriptionStatus"] = u.Status
		if u.SubscriptionID != "" {
			data["subscriptionId"] = u.SubscriptionID
		}
	}
	if u.LastPaymentAt != nil {
		data["lastPaymentAt"] = *u.LastPaymentAt
	}
	if _, err := r.client.Collection(usersCollection).Doc(userID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to apply subscription state to user '%s': %w", userID, err)
	}
	return nil
}

func (r *firestoreUserRepository) UpdateUsageSettings(ctx context.Context, userID string, settings models.UsagePricingSettings, at time.Time) error {
	data := map[string]interface{}{
		"usagePricingSettings": map[string]interface{}{
			"enableUsageBasedPricing":        settings.EnableUsageBasedPricing,
			"enablePremiumUsageBasedPricing": settings.EnablePremiumUsageBasedPricing,
		},
		"updatedAt": at,
	}
	if _, err := r.client.Collection(usersCollection).Doc(userID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to update usage settings for user '%s': %w", userID, err)
	}
	return nil
}

func (r *firestoreUserRepository) SetStripeCustomerID(ctx context.Context, userID, stripeCustomerID string) error {
	data := map[string]interface{}{"stripeCustomerId": stripeCustomerID}
	if _, err := r.client.Collection(usersCollection).Doc(userID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to mirror stripe customer id for user '%s': %w", userID, err)
	}
	return nil
}

func (r *firestoreUserRepository) SwapDevice(ctx context.Context, userID, deviceID string, at time.Time) (string, error) {
	ref := r.client.Collection(usersCollection).Doc(userID)
	var previous string
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		previous = ""
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		var user models.User
		if err := snap.DataTo(&user); err != nil {
			return err
		}
		previous = user.DeviceID
		update := map[string]interface{}{"deviceId": deviceID, "updatedAt": at}
		if previous != "" && previous != deviceID {
			update["replacedDeviceId"] = previous
		}
		return tx.Set(ref, update, firestore.MergeAll)
	})
	if err != nil {
		return "", fmt.Errorf("failed to register device for user '%s': %w", userID, err)
	}
	return previous, nil
}
