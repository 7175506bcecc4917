package core

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/crypto"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/storage"
)

type fakeObjectStore map[string][]byte

func (f fakeObjectStore) List(_ context.Context, prefix string) ([]storage.Object, error) {
	var out []storage.Object
	for k, v := range f {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.Object{Key: k, Size: int64(len(v)), LastModified: testNow})
		}
	}
	return out, nil
}

func (f fakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func newContentFixture(t *testing.T) (ContentService, *crypto.Cipher) {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	store := fakeObjectStore{
		"scripts/free_tool.py":    []byte("print('free')"),
		"scripts/premium_pack.py": []byte("print('premium')"),
	}
	prices := testPrices(t)
	logger := zaptest.NewLogger(t)
	ents := NewEntitlementService(db.NewMemoryStore().Repositories(), prices, nil, time.Minute, logger)
	return NewContentService(store, cipher, prices, ents, logger), cipher
}

func identityWith(products ...models.ProductType) models.Identity {
	ents := &models.Entitlements{Tier: models.TierFree, PerProduct: map[models.ProductType]bool{}}
	for _, p := range products {
		ents.PerProduct[p] = true
		ents.Tier = models.TierPro
	}
	return models.Identity{UserID: "uid1", Entitlements: ents}
}

func unseal(t *testing.T, cipher *crypto.Cipher, payload []byte) string {
	t.Helper()
	compressed, err := cipher.Open(payload)
	require.NoError(t, err)
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(plain)
}

func TestListScriptsMarksPremium(t *testing.T) {
	svc, _ := newContentFixture(t)
	scripts, err := svc.ListScripts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	for _, s := range scripts {
		assert.Equal(t, strings.Contains(s.Key, "premium"), s.Premium, s.Key)
	}

	_, err = svc.ListScripts(context.Background(), "../secrets")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDownloadPremiumRequiresPrimaryProduct(t *testing.T) {
	svc, cipher := newContentFixture(t)
	ctx := context.Background()

	_, err := svc.Download(ctx, identityWith(), "scripts/premium_pack.py", "")
	assert.ErrorIs(t, err, ErrEntitlementRequired)

	_, err = svc.Download(ctx, identityWith(productGizmo), "scripts/premium_pack.py", "")
	assert.ErrorIs(t, err, ErrEntitlementRequired)

	res, err := svc.Download(ctx, identityWith(productBlenderBin), "scripts/premium_pack.py", "")
	require.NoError(t, err)
	assert.Equal(t, "print('premium')", unseal(t, cipher, res.Payload))

	dev := identityWith()
	dev.Entitlements.IsDeveloper = true
	_, err = svc.Download(ctx, dev, "scripts/premium_pack.py", "")
	assert.NoError(t, err)
}

func TestDownloadFreeScriptAndHash(t *testing.T) {
	svc, cipher := newContentFixture(t)
	ctx := context.Background()

	res, err := svc.Download(ctx, identityWith(), "scripts/free_tool.py", "")
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.Equal(t, VersionHash([]byte("print('free')")), res.Hash)
	assert.Equal(t, "print('free')", unseal(t, cipher, res.Payload))

	res, err = svc.Download(ctx, identityWith(), "scripts/free_tool.py", res.Hash)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Empty(t, res.Payload)
}

func TestDownloadErrors(t *testing.T) {
	svc, _ := newContentFixture(t)
	ctx := context.Background()

	_, err := svc.Download(ctx, identityWith(), "scripts/missing.py", "")
	assert.ErrorIs(t, err, ErrContentNotFound)

	for _, key := range []string{"", "/etc/passwd", "scripts/../x"} {
		_, err = svc.Download(ctx, identityWith(), key, "")
		assert.ErrorIs(t, err, ErrInvalidRequest, key)
	}

	unconfigured := NewContentService(nil, nil, testPrices(t), nil, zaptest.NewLogger(t))
	_, err = unconfigured.Download(ctx, identityWith(), "scripts/free_tool.py", "")
	assert.ErrorIs(t, err, ErrStorageNotConfigured)
	_, err = unconfigured.ListScripts(ctx, "")
	assert.ErrorIs(t, err, ErrStorageNotConfigured)
}

func TestCleanPrefix(t *testing.T) {
	tests := map[string]string{
		"":            "scripts/",
		"addons":      "addons/",
		"/addons/v2/": "addons/v2/",
	}
	for in, want := range tests {
		got, err := cleanPrefix(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
