package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/cache"
)

const (
	entitlementCachePrefix      = "entitlements:"
	entitlementGenerationPrefix = "entitlements:gen:"
)

// A generation outlives any entry written under it, so a late write stamped
// with an old generation can never match again.
const minGenerationTTL = time.Hour

// cachedEntitlements is the cache payload. Generation is the user's
// generation when the store was read.
type cachedEntitlements struct {
	Generation   string               `json:"generation"`
	Entitlements *models.Entitlements `json:"entitlements"`
}

type entitlementService struct {
	customers     db.CustomerRepository
	users         db.UserRepository
	subscriptions db.SubscriptionRepository
	prices        *config.PriceTable
	cache         cache.Cache
	ttl           time.Duration
	logger        *zap.Logger
}

// NewEntitlementService creates the resolver. A nil cache disables caching.
func NewEntitlementService(repos *db.Repositories, prices *config.PriceTable, c cache.Cache, ttl time.Duration, logger *zap.Logger) EntitlementService {
	return &entitlementService{
		customers:     repos.Customers,
		users:         repos.Users,
		subscriptions: repos.Subscriptions,
		prices:        prices,
		cache:         c,
		ttl:           ttl,
		logger:        logger,
	}
}

// Resolve never fails open: any store error yields free entitlements.
func (s *entitlementService) Resolve(ctx context.Context, userID, email string) (*models.Entitlements, error) {
	if userID == "" {
		return s.free(), nil
	}
	// Read the generation before the store so a concurrent Invalidate
	// voids whatever this call writes back.
	gen, cacheable := s.generation(ctx, userID)
	if cacheable {
		if ent, ok := s.cached(ctx, userID, gen); ok {
			return ent, nil
		}
	}

	ent, err := s.resolve(ctx, userID, email)
	if err != nil {
		s.logger.Error("Entitlement resolution failed, treating user as free",
			zap.String("userID", userID), zap.Error(err))
		return s.free(), nil
	}
	if cacheable {
		s.store(ctx, userID, gen, ent)
	}
	return ent, nil
}

func (s *entitlementService) resolve(ctx context.Context, userID, email string) (*models.Entitlements, error) {
	customer, err := s.customers.GetByID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) && email != "" {
		customer, err = s.customers.FindByEmail(ctx, email)
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("customer lookup: %w", err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("user lookup: %w", err)
	}

	if (customer != nil && customer.Developer) || (user != nil && user.Developer) {
		return s.developer(), nil
	}

	ent := s.free()
	if customer == nil {
		return ent, nil
	}

	subs, err := s.subscriptions.ListByStatus(ctx, customer.UserID, models.EntitledStatuses)
	if err != nil {
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	for _, sub := range subs {
		for _, priceID := range sub.PriceIDs() {
			price, ok := s.prices.Lookup(priceID)
			if !ok {
				s.logger.Warn("Entitled subscription carries unknown price",
					zap.String("subscriptionID", sub.ID), zap.String("priceID", priceID))
				continue
			}
			ent.PerProduct[price.Product] = true
			ent.ProductTiers[price.Product] = ent.ProductTiers[price.Product].Higher(price.Tier)
			ent.Tier = ent.Tier.Higher(price.Tier)
		}
	}
	return ent, nil
}

func (s *entitlementService) Require(ctx context.Context, userID, email string, product models.ProductType) (*models.Entitlements, error) {
	ent, err := s.Resolve(ctx, userID, email)
	if err != nil {
		return nil, err
	}
	if !ent.Has(product) {
		return ent, fmt.Errorf("%w: %s", ErrEntitlementRequired, product)
	}
	return ent, nil
}

// Invalidate starts a new generation for the user and drops the cached entry.
func (s *entitlementService) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}
	genTTL := 10 * s.ttl
	if genTTL < minGenerationTTL {
		genTTL = minGenerationTTL
	}
	if err := s.cache.Set(ctx, entitlementGenerationPrefix+userID, uuid.NewString(), genTTL); err != nil {
		s.logger.Warn("Failed to bump entitlement generation", zap.String("userID", userID), zap.Error(err))
	}
	if err := s.cache.Delete(ctx, entitlementCachePrefix+userID); err != nil {
		s.logger.Warn("Failed to invalidate entitlement cache", zap.String("userID", userID), zap.Error(err))
	}
}

// generation returns the user's current cache generation. cacheable is false
// when caching is off or the generation cannot be read.
func (s *entitlementService) generation(ctx context.Context, userID string) (gen string, cacheable bool) {
	if s.cache == nil || s.ttl <= 0 {
		return "", false
	}
	gen, err := s.cache.Get(ctx, entitlementGenerationPrefix+userID)
	if err == nil {
		return gen, true
	}
	if errors.Is(err, cache.ErrMiss) {
		return "", true
	}
	s.logger.Warn("Entitlement generation read failed", zap.String("userID", userID), zap.Error(err))
	return "", false
}

func (s *entitlementService) cached(ctx context.Context, userID, gen string) (*models.Entitlements, bool) {
	raw, err := s.cache.Get(ctx, entitlementCachePrefix+userID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("Entitlement cache read failed", zap.String("userID", userID), zap.Error(err))
		}
		return nil, false
	}
	var entry cachedEntitlements
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Entitlements == nil {
		return nil, false
	}
	if entry.Generation != gen {
		return nil, false
	}
	return entry.Entitlements, true
}

func (s *entitlementService) store(ctx context.Context, userID, gen string, ent *models.Entitlements) {
	raw, err := json.Marshal(cachedEntitlements{Generation: gen, Entitlements: ent})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, entitlementCachePrefix+userID, string(raw), s.ttl); err != nil {
		s.logger.Warn("Entitlement cache write failed", zap.String("userID", userID), zap.Error(err))
	}
}

func (s *entitlementService) free() *models.Entitlements {
	ent := &models.Entitlements{
		Tier:         models.TierFree,
		PerProduct:   make(map[models.ProductType]bool),
		ProductTiers: make(map[models.ProductType]models.Tier),
	}
	for _, p := range s.prices.Products() {
		ent.PerProduct[p] = false
		ent.ProductTiers[p] = models.TierFree
	}
	return ent
}

// developer grants every product at the highest tier.
func (s *entitlementService) developer() *models.Entitlements {
	ent := s.free()
	ent.Tier = models.TierBusiness
	ent.IsDeveloper = true
	for p := range ent.PerProduct {
		ent.PerProduct[p] = true
		ent.ProductTiers[p] = models.TierBusiness
	}
	return ent
}
