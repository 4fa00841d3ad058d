package certstore

import (
	"context"
	"os"

	"github.com/vietddude/dfesync/internal/core/domain"
)

// FileEntry points at a PKCS#12 file on disk.
type FileEntry struct {
	Path       string
	Passphrase string
}

// FileStore serves bundles from files configured per tenant.
type FileStore struct {
	entries map[string]FileEntry
}

func NewFileStore(entries map[string]FileEntry) *FileStore {
	return &FileStore{entries: entries}
}

func (s *FileStore) Bundle(ctx context.Context, tenantID string) (Bundle, error) {
	entry, ok := s.entries[tenantID]
	if !ok || entry.Path == "" {
		return Bundle{}, &domain.ConfigurationError{Reason: "no certificate configured for tenant " + tenantID}
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return Bundle{}, &domain.ConfigurationError{Reason: "cannot read certificate file", Err: err}
	}
	return Bundle{PFX: data, Passphrase: entry.Passphrase}, nil
}
