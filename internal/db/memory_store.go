package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/addonhub/internal/models"
)

// MemoryStore is an in-process implementation of every repository, used with
// STORE_DRIVER=memory for local development and as the store in tests. A single
// mutex gives it the same atomicity the Firestore transactions provide.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]*models.User
	customers     map[string]*models.Customer
	subscriptions map[string]map[string]*models.Subscription
	checkouts     map[string]map[string]*models.CheckoutSession
	markers       map[string]models.EmailMarker
	events        map[string]*models.WebhookEvent
	usage         map[string]*models.UsageRecord
	usageEvents   []*models.UsageEvent
	usageCharges  []*models.UsageCharge
	daily         map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		customers:     make(map[string]*models.Customer),
		subscriptions: make(map[string]map[string]*models.Subscription),
		checkouts:     make(map[string]map[string]*models.CheckoutSession),
		markers:       make(map[string]models.EmailMarker),
		events:        make(map[string]*models.WebhookEvent),
		usage:         make(map[string]*models.UsageRecord),
		daily:         make(map[string]int64),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Users:         memUsers{s},
		Customers:     memCustomers{s},
		Subscriptions: memSubscriptions{s},
		Checkouts:     memCheckouts{s},
		EmailMarkers:  memMarkers{s},
		WebhookEvents: memEvents{s},
		Usage:         memUsage{s},
		DailyUsage:    memDaily{s},
	}
}

// UsageEvents returns a snapshot of the appended usage events.
func (s *MemoryStore) UsageEvents() []models.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageEvent, len(s.usageEvents))
	for i, e := range s.usageEvents {
		out[i] = *e
	}
	return out
}

// UsageCharges returns a snapshot of the appended charge receipts.
func (s *MemoryStore) UsageCharges() []models.UsageCharge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageCharge, len(s.usageCharges))
	for i, c := range s.usageCharges {
		out[i] = *c
	}
	return out
}

func copyUser(u *models.User) *models.User {
	c := *u
	c.ProductRoles = copyStringMap(u.ProductRoles)
	c.ProductStatus = copyStringMap(u.ProductStatus)
	return &c
}

func copySubscription(sub *models.Subscription) *models.Subscription {
	c := *sub
	c.Items = append([]models.SubscriptionItem(nil), sub.Items...)
	c.Metadata = copyStringMap(sub.Metadata)
	return &c
}

func copyUsage(rec *models.UsageRecord) *models.UsageRecord {
	c := *rec
	if rec.Models != nil {
		c.Models = make(map[string]models.ModelUsage, len(rec.Models))
		for k, v := range rec.Models {
			c.Models[k] = v
		}
	}
	return &c
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memUsers struct{ s *MemoryStore }

func (r memUsers) GetByID(_ context.Context, userID string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user with ID '%s' not found: %w", userID, ErrNotFound)
	}
	return copyUser(u), nil
}

func (r memUsers) Create(_ context.Context, user *models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.ID]; ok {
		return fmt.Errorf("user with ID '%s': %w", user.ID, ErrAlreadyExists)
	}
	r.s.users[user.ID] = copyUser(user)
	return nil
}

func (r memUsers) Update(_ context.Context, user *models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[user.ID] = copyUser(user)
	return nil
}

func (r memUsers) ApplySubscription(_ context.Context, userID string, u models.UserSubscriptionUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user := r.s.upsertUser(userID)
	if user.ProductRoles == nil {
		user.ProductRoles = make(map[string]string)
	}
	if user.ProductStatus == nil {
		user.ProductStatus = make(map[string]string)
	}
	user.ProductRoles[string(u.Product)] = string(u.Role)
	user.ProductStatus[string(u.Product)] = u.Status
	if u.Primary {
		user.StripeRole = string(u.Role)
		user.SubscriptionStatus = u.Status
		if u.SubscriptionID != "" {
			user.SubscriptionID = u.SubscriptionID
		}
	}
	if u.LastPaymentAt != nil {
		at := *u.LastPaymentAt
		user.LastPaymentAt = &at
	}
	user.UpdatedAt = u.At
	return nil
}

func (r memUsers) UpdateUsageSettings(_ context.Context, userID string, settings models.UsagePricingSettings, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user := r.s.upsertUser(userID)
	user.UsagePricingSettings = settings
	user.UpdatedAt = at
	return nil
}

func (r memUsers) SetStripeCustomerID(_ context.Context, userID, stripeCustomerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.upsertUser(userID).StripeCustomerID = stripeCustomerID
	return nil
}

func (r memUsers) SwapDevice(_ context.Context, userID, deviceID string, at time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return "", fmt.Errorf("user with ID '%s' not found: %w", userID, ErrNotFound)
	}
	previous := u.DeviceID
	if previous != "" && previous != deviceID {
		u.ReplacedDeviceID = previous
	}
	u.DeviceID = deviceID
	u.UpdatedAt = at
	return previous, nil
}

// upsertUser mirrors Set with MergeAll creating the document. Caller holds mu.
func (s *MemoryStore) upsertUser(userID string) *models.User {
	u, ok := s.users[userID]
	if !ok {
		u = &models.User{ID: userID}
		s.users[userID] = u
	}
	return u
}

type memCustomers struct{ s *MemoryStore }

func (r memCustomers) GetByID(_ context.Context, userID string) (*models.Customer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.customers[userID]
	if !ok {
		return nil, fmt.Errorf("customer '%s' not found: %w", userID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r memCustomers) FindByEmail(_ context.Context, email string) (*models.Customer, error) {
	return r.find(func(c *models.Customer) bool { return email != "" && c.Email == email })
}

func (r memCustomers) FindByStripeID(_ context.Context, stripeID string) (*models.Customer, error) {
	return r.find(func(c *models.Customer) bool { return stripeID != "" && c.StripeID == stripeID })
}

func (r memCustomers) find(match func(*models.Customer) bool) (*models.Customer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]string, 0, len(r.s.customers))
	for id := range r.s.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := r.s.customers[id]; match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("customer not found: %w", ErrNotFound)
}

func (r memCustomers) Create(_ context.Context, customer *models.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.customers[customer.UserID]; ok {
		return fmt.Errorf("customer '%s': %w", customer.UserID, ErrAlreadyExists)
	}
	cp := *customer
	r.s.customers[customer.UserID] = &cp
	return nil
}

func (r memCustomers) LinkStripeID(_ context.Context, userID, stripeID string, at time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.customers[userID]
	if !ok {
		r.s.customers[userID] = &models.Customer{UserID: userID, StripeID: stripeID, CreatedAt: at, UpdatedAt: at}
		return stripeID, nil
	}
	if c.StripeID != "" {
		return c.StripeID, nil
	}
	c.StripeID = stripeID
	c.UpdatedAt = at
	return stripeID, nil
}

type memSubscriptions struct{ s *MemoryStore }

func (r memSubscriptions) Get(_ context.Context, userID, subscriptionID string) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[userID][subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription '%s' not found: %w", subscriptionID, ErrNotFound)
	}
	return copySubscription(sub), nil
}

func (r memSubscriptions) ListByStatus(_ context.Context, userID string, statuses []string) ([]*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Subscription
	for _, sub := range r.s.subscriptions[userID] {
		if want[sub.Status] {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memSubscriptions) Apply(_ context.Context, userID, subscriptionID string, fn SubscriptionMutator) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var existing *models.Subscription
	if sub, ok := r.s.subscriptions[userID][subscriptionID]; ok {
		existing = copySubscription(sub)
	}
	next, err := fn(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to apply subscription '%s': %w", subscriptionID, err)
	}
	if next == nil {
		return existing, nil
	}
	next.ID = subscriptionID
	if r.s.subscriptions[userID] == nil {
		r.s.subscriptions[userID] = make(map[string]*models.Subscription)
	}
	r.s.subscriptions[userID][subscriptionID] = copySubscription(next)
	return next, nil
}

type memCheckouts struct{ s *MemoryStore }

func (r memCheckouts) Create(_ context.Context, userID string, session *models.CheckoutSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.checkouts[userID] == nil {
		r.s.checkouts[userID] = make(map[string]*models.CheckoutSession)
	}
	if _, ok := r.s.checkouts[userID][session.ID]; ok {
		return fmt.Errorf("checkout session '%s': %w", session.ID, ErrAlreadyExists)
	}
	cp := *session
	r.s.checkouts[userID][session.ID] = &cp
	return nil
}

func (r memCheckouts) ListOpen(_ context.Context, userID, priceID string) ([]*models.CheckoutSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.CheckoutSession
	for _, cs := range r.s.checkouts[userID] {
		if cs.Status == models.CheckoutStatusCreated && cs.PriceID == priceID {
			cp := *cs
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r memCheckouts) MarkCompleted(_ context.Context, userID, sessionID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.checkouts[userID] == nil {
		r.s.checkouts[userID] = make(map[string]*models.CheckoutSession)
	}
	cs, ok := r.s.checkouts[userID][sessionID]
	if !ok {
		cs = &models.CheckoutSession{ID: sessionID}
		r.s.checkouts[userID][sessionID] = cs
	}
	cs.Status = models.CheckoutStatusCompleted
	cs.UpdatedAt = at
	return nil
}

type memMarkers struct{ s *MemoryStore }

func (r memMarkers) CreateMarker(_ context.Context, userID, markerID string, marker models.EmailMarker) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := userID + "/" + markerID
	if _, ok := r.s.markers[key]; ok {
		return false, nil
	}
	r.s.markers[key] = marker
	return true, nil
}

type memEvents struct{ s *MemoryStore }

func (r memEvents) Claim(_ context.Context, eventID, eventType string, now time.Time, lease time.Duration) (ClaimResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[eventID]
	if !ok {
		r.s.events[eventID] = &models.WebhookEvent{
			ID:         eventID,
			Type:       eventType,
			Status:     models.WebhookStatusProcessing,
			ReceivedAt: now,
			LeaseUntil: now.Add(lease),
			Attempts:   1,
		}
		return ClaimAcquired, nil
	}
	switch {
	case ev.Status == models.WebhookStatusApplied:
		return ClaimAlreadyApplied, nil
	case ev.Status == models.WebhookStatusProcessing && ev.LeaseUntil.After(now):
		return ClaimInFlight, nil
	}
	ev.Status = models.WebhookStatusProcessing
	ev.LeaseUntil = now.Add(lease)
	ev.Attempts++
	return ClaimAcquired, nil
}

func (r memEvents) MarkApplied(_ context.Context, eventID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[eventID]
	if !ok {
		ev = &models.WebhookEvent{ID: eventID}
		r.s.events[eventID] = ev
	}
	ev.Status = models.WebhookStatusApplied
	ev.AppliedAt = &at
	ev.LastError = ""
	return nil
}

func (r memEvents) MarkFailed(_ context.Context, eventID, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[eventID]
	if !ok {
		ev = &models.WebhookEvent{ID: eventID}
		r.s.events[eventID] = ev
	}
	ev.Status = models.WebhookStatusFailed
	ev.LastError = reason
	ev.LeaseUntil = at
	return nil
}

func (r memEvents) Get(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("webhook event '%s' not found: %w", eventID, ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

type memUsage struct{ s *MemoryStore }

func (r memUsage) AddUsage(_ context.Context, d models.UsageDelta) (*models.UsageRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := UsageDocID(d.UserID, d.Period)
	rec, ok := r.s.usage[key]
	if !ok {
		rec = &models.UsageRecord{ID: key, UserID: d.UserID, Period: d.Period}
		r.s.usage[key] = rec
	}
	applyDelta(rec, d)
	return copyUsage(rec), nil
}

func (r memUsage) Get(_ context.Context, userID, period string) (*models.UsageRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.usage[UsageDocID(userID, period)]
	if !ok {
		return nil, fmt.Errorf("usage record '%s': %w", UsageDocID(userID, period), ErrNotFound)
	}
	return copyUsage(rec), nil
}

func (r memUsage) ClaimCharge(_ context.Context, userID, period string, now time.Time, lease time.Duration) (*models.UsageRecord, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.usage[UsageDocID(userID, period)]
	if !ok {
		return nil, false, fmt.Errorf("usage record '%s': %w", UsageDocID(userID, period), ErrNotFound)
	}
	if rec.ChargeInFlightUntil != nil && rec.ChargeInFlightUntil.After(now) {
		return copyUsage(rec), false, nil
	}
	until := now.Add(lease)
	rec.ChargeInFlightUntil = &until
	rec.LastChargeAttempt = &now
	return copyUsage(rec), true, nil
}

func (r memUsage) CompleteCharge(_ context.Context, userID, period string, o ChargeOutcome) (*models.UsageRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.usage[UsageDocID(userID, period)]
	if !ok {
		return nil, fmt.Errorf("usage record '%s': %w", UsageDocID(userID, period), ErrNotFound)
	}
	applyCharge(rec, o)
	return copyUsage(rec), nil
}

func (r memUsage) FailCharge(_ context.Context, userID, period, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.usage[UsageDocID(userID, period)]
	if !ok {
		return fmt.Errorf("usage record '%s': %w", UsageDocID(userID, period), ErrNotFound)
	}
	rec.PaymentStatus = "failed"
	rec.LastChargeError = reason
	rec.LastChargeAttempt = &at
	rec.ChargeInFlightUntil = nil
	return nil
}

func (r memUsage) ReleaseCharge(_ context.Context, userID, period string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec, ok := r.s.usage[UsageDocID(userID, period)]; ok {
		rec.ChargeInFlightUntil = nil
	}
	return nil
}

func (r memUsage) AppendEvent(_ context.Context, event *models.UsageEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	for _, e := range r.s.usageEvents {
		if e.ID == event.ID {
			return nil
		}
	}
	cp := *event
	r.s.usageEvents = append(r.s.usageEvents, &cp)
	return nil
}

func (r memUsage) AppendCharge(_ context.Context, charge *models.UsageCharge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if charge.ID == "" {
		charge.ID = uuid.NewString()
	}
	for _, c := range r.s.usageCharges {
		if c.ID == charge.ID {
			return nil
		}
	}
	cp := *charge
	r.s.usageCharges = append(r.s.usageCharges, &cp)
	return nil
}

type memDaily struct{ s *MemoryStore }

func (r memDaily) IncrementIfBelow(_ context.Context, userID, day string, limit int64, _ time.Time) (int64, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := DailyUsageDocID(userID, day)
	count := r.s.daily[key]
	if count >= limit {
		return count, false, nil
	}
	count++
	r.s.daily[key] = count
	return count, true, nil
}

func (r memDaily) Get(_ context.Context, userID, day string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.daily[DailyUsageDocID(userID, day)], nil
}
