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

const (
	usageTrackingCollection = "usage_tracking"
	usageEventsCollection   = "usage_events"
	usageChargesCollection  = "usage_charges"
	dailyUsageCollection    = "daily_usage"
)

// UsageDocID is the usage_tracking document id for a user and YYYY-MM period.
func UsageDocID(userID, period string) string {
	return userID + "_" + period
}

// DailyUsageDocID is the daily_usage document id for a user and YYYY-MM-DD day.
func DailyUsageDocID(userID, day string) string {
	return userID + "_" + day
}

type firestoreUsageRepository struct {
	client *firestore.Client
}

// NewFirestoreUsageRepository creates a UsageRepository on the usage collections.
func NewFirestoreUsageRepository(client *firestore.Client) UsageRepository {
	return &firestoreUsageRepository{client: client}
}

func (r *firestoreUsageRepository) ref(userID, period string) *firestore.DocumentRef {
	return r.client.Collection(usageTrackingCollection).Doc(UsageDocID(userID, period))
}

func (r *firestoreUsageRepository) AddUsage(ctx context.Context, d models.UsageDelta) (*models.UsageRecord, error) {
	ref := r.ref(d.UserID, d.Period)
	var out *models.UsageRecord
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec, err := txGetUsage(tx, ref, d.UserID, d.Period)
		if err != nil {
			return err
		}

		// Model keys go in as nested map keys rather than field path strings.
		update := map[string]interface{}{
			"userId":               d.UserID,
			"period":               d.Period,
			"currentBalanceMicros": firestore.Increment(d.CostMicros),
			"models": map[string]interface{}{
				d.ModelKey: map[string]interface{}{
					"count":      firestore.Increment(d.Count),
					"costMicros": firestore.Increment(d.CostMicros),
				},
			},
			"lastUpdated": d.At,
		}
		if err := tx.Set(ref, update, firestore.MergeAll); err != nil {
			return err
		}

		applyDelta(rec, d)
		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record usage for '%s': %w", d.UserID, err)
	}
	return out, nil
}

func (r *firestoreUsageRepository) Get(ctx context.Context, userID, period string) (*models.UsageRecord, error) {
	snap, err := r.ref(userID, period).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("usage record '%s': %w", UsageDocID(userID, period), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get usage record '%s': %w", UsageDocID(userID, period), err)
	}
	return decodeUsage(snap)
}

func (r *firestoreUsageRepository) ClaimCharge(ctx context.Context, userID, period string, now time.Time, lease time.Duration) (*models.UsageRecord, bool, error) {
	ref := r.ref(userID, period)
	var (
		out     *models.UsageRecord
		claimed bool
	)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		rec, err := decodeUsage(snap)
		if err != nil {
			return err
		}
		out = rec
		if rec.ChargeInFlightUntil != nil && rec.ChargeInFlightUntil.After(now) {
			return nil
		}
		until := now.Add(lease)
		rec.ChargeInFlightUntil = &until
		rec.LastChargeAttempt = &now
		claimed = true
		return tx.Set(ref, map[string]interface{}{
			"chargeInFlightUntil": until,
			"lastChargeAttempt":   now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim usage charge for '%s': %w", UsageDocID(userID, period), err)
	}
	return out, claimed, nil
}

func (r *firestoreUsageRepository) CompleteCharge(ctx context.Context, userID, period string, o ChargeOutcome) (*models.UsageRecord, error) {
	ref := r.ref(userID, period)
	var out *models.UsageRecord
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec, err := txGetUsage(tx, ref, userID, period)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, map[string]interface{}{
			"currentBalanceMicros":   firestore.Increment(-o.AmountMicros),
			"lastCharged":            o.At,
			"lastChargeAmountMicros": o.AmountMicros,
			"paymentIntentId":        o.PaymentIntentID,
			"paymentStatus":          o.PaymentStatus,
			"chargeInFlightUntil":    firestore.Delete,
			"lastChargeError":        firestore.Delete,
		}, firestore.MergeAll); err != nil {
			return err
		}
		applyCharge(rec, o)
		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete usage charge for '%s': %w", UsageDocID(userID, period), err)
	}
	return out, nil
}

func (r *firestoreUsageRepository) FailCharge(ctx context.Context, userID, period, reason string, at time.Time) error {
	_, err := r.ref(userID, period).Set(ctx, map[string]interface{}{
		"paymentStatus":       "failed",
		"lastChargeError":     reason,
		"lastChargeAttempt":   at,
		"chargeInFlightUntil": firestore.Delete,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to record usage charge failure for '%s': %w", UsageDocID(userID, period), err)
	}
	return nil
}

func (r *firestoreUsageRepository) ReleaseCharge(ctx context.Context, userID, period string) error {
	_, err := r.ref(userID, period).Set(ctx, map[string]interface{}{
		"chargeInFlightUntil": firestore.Delete,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to release usage charge for '%s': %w", UsageDocID(userID, period), err)
	}
	return nil
}

func (r *firestoreUsageRepository) AppendEvent(ctx context.Context, event *models.UsageEvent) error {
	ref := appendRef(r.client.Collection(usageEventsCollection), event.ID)
	event.ID = ref.ID
	if err := createOnce(ctx, ref, event); err != nil {
		return fmt.Errorf("failed to append usage event '%s': %w", event.ID, err)
	}
	return nil
}

func (r *firestoreUsageRepository) AppendCharge(ctx context.Context, charge *models.UsageCharge) error {
	ref := appendRef(r.client.Collection(usageChargesCollection), charge.ID)
	charge.ID = ref.ID
	if err := createOnce(ctx, ref, charge); err != nil {
		return fmt.Errorf("failed to append usage charge '%s': %w", charge.ID, err)
	}
	return nil
}

func appendRef(col *firestore.CollectionRef, id string) *firestore.DocumentRef {
	if id == "" {
		return col.NewDoc()
	}
	return col.Doc(id)
}

// createOnce treats an existing document as an earlier append of the same record.
func createOnce(ctx context.Context, ref *firestore.DocumentRef, data interface{}) error {
	_, err := ref.Create(ctx, data)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return err
	}
	return nil
}

func txGetUsage(tx *firestore.Transaction, ref *firestore.DocumentRef, userID, period string) (*models.UsageRecord, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &models.UsageRecord{ID: ref.ID, UserID: userID, Period: period}, nil
		}
		return nil, err
	}
	return decodeUsage(snap)
}

func decodeUsage(snap *firestore.DocumentSnapshot) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode usage record '%s': %w", snap.Ref.ID, err)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

// applyDelta mirrors an AddUsage write onto an in-memory record.
func applyDelta(rec *models.UsageRecord, d models.UsageDelta) {
	rec.CurrentBalanceMicros += d.CostMicros
	if rec.Models == nil {
		rec.Models = make(map[string]models.ModelUsage)
	}
	m := rec.Models[d.ModelKey]
	m.Count += d.Count
	m.CostMicros += d.CostMicros
	rec.Models[d.ModelKey] = m
	rec.LastUpdated = d.At
}

// applyCharge mirrors a CompleteCharge write onto an in-memory record.
func applyCharge(rec *models.UsageRecord, o ChargeOutcome) {
	rec.CurrentBalanceMicros -= o.AmountMicros
	at := o.At
	rec.LastCharged = &at
	rec.LastChargeAmountMicros = o.AmountMicros
	rec.PaymentIntentID = o.PaymentIntentID
	rec.PaymentStatus = o.PaymentStatus
	rec.ChargeInFlightUntil = nil
	rec.LastChargeError = ""
}

type firestoreDailyUsageRepository struct {
	client *firestore.Client
}

// NewFirestoreDailyUsageRepository creates counters at daily_usage/{uid}_{YYYY-MM-DD}.
func NewFirestoreDailyUsageRepository(client *firestore.Client) DailyUsageRepository {
	return &firestoreDailyUsageRepository{client: client}
}

func (r *firestoreDailyUsageRepository) IncrementIfBelow(ctx context.Context, userID, day string, limit int64, at time.Time) (int64, bool, error) {
	ref := r.client.Collection(dailyUsageCollection).Doc(DailyUsageDocID(userID, day))
	var (
		count   int64
		allowed bool
	)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		count, allowed = 0, false
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var du models.DailyUsage
			if err := snap.DataTo(&du); err != nil {
				return err
			}
			count = du.Count
		case status.Code(err) != codes.NotFound:
			return err
		}
		if count >= limit {
			return nil
		}
		count++
		allowed = true
		return tx.Set(ref, map[string]interface{}{
			"userId":    userID,
			"day":       day,
			"count":     firestore.Increment(1),
			"updatedAt": at,
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment daily usage for '%s': %w", userID, err)
	}
	return count, allowed, nil
}

func (r *firestoreDailyUsageRepository) Get(ctx context.Context, userID, day string) (int64, error) {
	snap, err := r.client.Collection(dailyUsageCollection).Doc(DailyUsageDocID(userID, day)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read daily usage for '%s': %w", userID, err)
	}
	var du models.DailyUsage
	if err := snap.DataTo(&du); err != nil {
		return 0, fmt.Errorf("failed to decode daily usage for '%s': %w", userID, err)
	}
	return du.Count, nil
}
