package secrets

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

// memStore is an in-memory SecretStore for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func newTestVault(t *testing.T, s SecretStore) *AESVault {
	t.Helper()
	v, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Salt: []byte("test-salt"), Iterations: 1000})
	require.NoError(t, err)
	return v
}

func TestAESVault_RoundTrip(t *testing.T) {
	store := newMemStore()
	v := newTestVault(t, store)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, SystemKey("crm", "apiKey"), []byte("sk-123")))

	got, err := v.Resolve(ctx, SystemKey("crm", "apiKey"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-123"), got)

	// The persisted bytes are ciphertext, not the secret.
	raw := store.data[SystemKey("crm", "apiKey")]
	assert.NotContains(t, string(raw), "sk-123")
}

func TestAESVault_ResolveSystem(t *testing.T) {
	v := newTestVault(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, SystemKey("crm", "apiKey"), []byte("sk-123")))
	require.NoError(t, v.Store(ctx, SystemKey("crm", "apiSecret"), []byte("sec-456")))
	require.NoError(t, v.Store(ctx, SystemKey("warehouse", "token"), []byte("wh-789")))

	creds, err := v.ResolveSystem(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"apiKey": "sk-123", "apiSecret": "sec-456"}, creds)
}

func TestAESVault_ResolveSystemEmpty(t *testing.T) {
	v := newTestVault(t, newMemStore())

	creds, err := v.ResolveSystem(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestAESVault_WrongPassphraseFailsDecryption(t *testing.T) {
	store := newMemStore()
	v1 := newTestVault(t, store)
	ctx := context.Background()
	require.NoError(t, v1.Store(ctx, "k", []byte("secret")))

	v2, err := NewAESVault(store, VaultConfig{Passphrase: "wrong", Salt: []byte("test-salt"), Iterations: 1000})
	require.NoError(t, err)

	_, err = v2.Resolve(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))
}

func TestAESVault_MasterKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(newMemStore(), VaultConfig{MasterKey: key})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "k", []byte("secret")))
	got, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestNewAESVault_ConfigValidation(t *testing.T) {
	_, err := NewAESVault(newMemStore(), VaultConfig{MasterKey: []byte("short")})
	assert.Error(t, err)

	_, err = NewAESVault(newMemStore(), VaultConfig{})
	assert.Error(t, err)

	_, err = NewAESVault(newMemStore(), VaultConfig{Passphrase: "p"})
	assert.Error(t, err, "passphrase without salt is rejected")
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v := newTestVault(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("1")))
	require.NoError(t, v.Store(ctx, "b", []byte("2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, v.Delete(ctx, "a"))
	keys, err = v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestAESVault_NonceVariesPerEncryption(t *testing.T) {
	store := newMemStore()
	v := newTestVault(t, store)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("same")))
	require.NoError(t, v.Store(ctx, "b", []byte("same")))
	assert.NotEqual(t, store.data["a"], store.data["b"], "identical plaintexts encrypt differently")
}

func TestSystemKey(t *testing.T) {
	assert.Equal(t, "system/crm/apiKey", SystemKey("crm", "apiKey"))
}
