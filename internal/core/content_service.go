package core

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/crypto"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/storage"
)

const defaultScriptFolder = "scripts/"

// ObjectStore is the read side of the content bucket.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]storage.Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ScriptInfo describes one downloadable script.
type ScriptInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Premium      bool      `json:"premium"`
}

// DownloadResult carries the sealed script, or only the hash when the
// caller's copy is current.
type DownloadResult struct {
	Key      string `json:"key"`
	Hash     string `json:"versionHash"`
	UpToDate bool   `json:"unchanged"`
	Payload  []byte `json:"payload,omitempty"`
}

type contentService struct {
	store        ObjectStore
	cipher       *crypto.Cipher
	prices       *config.PriceTable
	entitlements EntitlementService
	logger       *zap.Logger
}

// NewContentService creates the content gate. A nil store or cipher makes
// every call fail with ErrStorageNotConfigured.
func NewContentService(store ObjectStore, cipher *crypto.Cipher, prices *config.PriceTable, entitlements EntitlementService, logger *zap.Logger) ContentService {
	return &contentService{store: store, cipher: cipher, prices: prices, entitlements: entitlements, logger: logger}
}

// IsPremiumKey reports whether key needs the core product subscription.
func IsPremiumKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "premium")
}

func (s *contentService) ListScripts(ctx context.Context, folder string) ([]ScriptInfo, error) {
	if s.store == nil {
		return nil, ErrStorageNotConfigured
	}
	prefix, err := cleanPrefix(folder)
	if err != nil {
		return nil, err
	}
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	scripts := make([]ScriptInfo, 0, len(objects))
	for _, obj := range objects {
		scripts = append(scripts, ScriptInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			Premium:      IsPremiumKey(obj.Key),
		})
	}
	return scripts, nil
}

func (s *contentService) Download(ctx context.Context, id models.Identity, key, currentHash string) (*DownloadResult, error) {
	if s.store == nil || s.cipher == nil {
		return nil, ErrStorageNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return nil, fmt.Errorf("%w: invalid key %q", ErrInvalidRequest, key)
	}

	if IsPremiumKey(key) {
		if err := s.requirePrimary(ctx, id); err != nil {
			s.logger.Info("Premium download denied", zap.String("userID", id.UserID), zap.String("key", key))
			return nil, err
		}
	}

	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, key)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	hash := VersionHash(data)
	if currentHash != "" && currentHash == hash {
		return &DownloadResult{Key: key, Hash: hash, UpToDate: true}, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", key, err)
	}
	sealed, err := s.cipher.Seal(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return &DownloadResult{Key: key, Hash: hash, Payload: sealed}, nil
}

func (s *contentService) requirePrimary(ctx context.Context, id models.Identity) error {
	ents := id.Entitlements
	if ents == nil {
		var err error
		if ents, err = s.entitlements.Resolve(ctx, id.UserID, id.Email); err != nil {
			return err
		}
	}
	if ents.IsDeveloper || ents.Has(s.prices.Primary()) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrEntitlementRequired, s.prices.Primary())
}

// VersionHash is the hex SHA-256 of a script body.
func VersionHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cleanPrefix(folder string) (string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return defaultScriptFolder, nil
	}
	if strings.Contains(folder, "..") {
		return "", fmt.Errorf("%w: invalid folder %q", ErrInvalidRequest, folder)
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+folder), "/")
	if cleaned == "" {
		return "", nil
	}
	return cleaned + "/", nil
}
