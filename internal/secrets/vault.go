package secrets

import "context"

// Vault stores per-system credentials encrypted at rest (AES-256-GCM) and
// resolves them in-memory only. Keys are namespaced "system/<systemID>/<name>"
// so two integrations' secrets cannot collide by name.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	// ResolveSystem decrypts every credential stored for a system and
	// returns them keyed by bare name.
	ResolveSystem(ctx context.Context, systemID string) (map[string]string, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SystemKey builds the namespaced vault key for a system credential.
func SystemKey(systemID, name string) string {
	return "system/" + systemID + "/" + name
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
