package db

import "cloud.google.com/go/firestore"

// NewFirestoreRepositories wires every Firestore repository on one client.
func NewFirestoreRepositories(client *firestore.Client) *Repositories {
	return &Repositories{
		Users:         NewFirestoreUserRepository(client),
		Customers:     NewFirestoreCustomerRepository(client),
		Subscriptions: NewFirestoreSubscriptionRepository(client),
		Checkouts:     NewFirestoreCheckoutSessionRepository(client),
		EmailMarkers:  NewFirestoreEmailMarkerRepository(client),
		WebhookEvents: NewFirestoreWebhookEventRepository(client),
		Usage:         NewFirestoreUsageRepository(client),
		DailyUsage:    NewFirestoreDailyUsageRepository(client),
	}
}
