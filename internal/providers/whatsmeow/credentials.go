package whatsmeow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wagate/internal/domain"
)

// CredentialStore keeps one SQLite file per instance under Dir. Only the
// owning provider writes to a file.
type CredentialStore struct {
	Dir string
}

func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{Dir: dir}
}

func (s *CredentialStore) Path(name string) string {
	return filepath.Join(s.Dir, filepath.Base(name)+".db")
}

func (s *CredentialStore) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Open opens (creating when missing) the device store of name. A file that
// exists but cannot be read as a device store yields ErrCorruptCredentials.
func (s *CredentialStore) Open(ctx context.Context, name string, log waLog.Logger) (*sqlstore.Container, *sql.DB, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("%w: sessions dir: %v", domain.ErrConfig, err)
	}
	existed := s.Exists(name)

	dsn := "file:" + s.Path(name) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	// one writer per file
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", log)
	if err := container.Upgrade(); err != nil {
		_ = db.Close()
		if existed {
			return nil, nil, fmt.Errorf("%w: %s: %v", domain.ErrCorruptCredentials, name, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	return container, db, nil
}

// Purge removes the credential file and its journal files. Missing files are
// not an error.
func (s *CredentialStore) Purge(name string) error {
	base := s.Path(name)
	var errs []error
	for _, p := range []string{base, base + "-wal", base + "-shm", base + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
