// Package tofu implements the trust-on-first-use certificate pinning
// store: a small embedded relational table (cert_cache) plus a companion
// directory of raw DER certificate blobs.
package tofu

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row of cert_cache: a certificate fingerprint observed for
// a given (hostname, address) pair.
type Record struct {
	Hostname    string
	Address     string
	Fingerprint string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int
}

// Store is the persistent pinned-certificate database. It is safe for
// concurrent use, though the engine itself never calls it concurrently.
type Store struct {
	db      *sql.DB
	certDir string
	mu      sync.Mutex
}

// Open opens (creating if necessary) the TOFU database and certificate
// blob directory under configDir: configDir/tofu.db and
// configDir/cert_cache/.
func Open(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("tofu: creating config dir: %w", err)
	}
	certDir := filepath.Join(configDir, "cert_cache")
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("tofu: creating cert cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(configDir, "tofu.db"))
	if err != nil {
		return nil, fmt.Errorf("tofu: opening database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS cert_cache (
		hostname TEXT NOT NULL,
		address TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		count INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tofu: creating schema: %w", err)
	}

	return &Store{db: db, certDir: certDir}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns every row recorded for (host, address), one per observed
// fingerprint.
func (s *Store) Lookup(ctx context.Context, host, address string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT hostname, address, fingerprint, first_seen, last_seen, count
		 FROM cert_cache WHERE hostname = ? AND address = ?`, host, address)
	if err != nil {
		return nil, fmt.Errorf("tofu: lookup: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Hostname, &r.Address, &r.Fingerprint, &r.FirstSeen, &r.LastSeen, &r.Count); err != nil {
			return nil, fmt.Errorf("tofu: scanning row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MostFrequent returns the record with the highest count among records,
// used to show the user how many times the previously-trusted certificate
// was seen.
func MostFrequent(records []Record) (Record, bool) {
	var best Record
	found := false
	for _, r := range records {
		if !found || r.Count > best.Count {
			best = r
			found = true
		}
	}
	return best, found
}

// Match reports whether any record for (host, address) has the given
// fingerprint.
func Match(records []Record, fingerprint string) bool {
	for _, r := range records {
		if r.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Record inserts a new row with count=1 if no row exists for
// (host, address, fingerprint); otherwise it updates last_seen and
// increments count. The DER blob is written to
// cert_cache/<fingerprint>.crt before the row is inserted, so the blob
// store and the table never disagree about what has been pinned.
func (s *Store) Record(ctx context.Context, host, address, fingerprint string, der []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM cert_cache WHERE hostname = ? AND address = ? AND fingerprint = ?`,
		host, address, fingerprint).Scan(&count)
	switch {
	case err == sql.ErrNoRows:
		if err := s.writeBlob(fingerprint, der); err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO cert_cache (hostname, address, fingerprint, first_seen, last_seen, count) VALUES (?, ?, ?, ?, ?, 1)`,
			host, address, fingerprint, now, now)
		if err != nil {
			return fmt.Errorf("tofu: inserting record: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("tofu: checking existing record: %w", err)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE cert_cache SET last_seen = ?, count = count + 1 WHERE hostname = ? AND address = ? AND fingerprint = ?`,
			now, host, address, fingerprint)
		if err != nil {
			return fmt.Errorf("tofu: updating record: %w", err)
		}
		return nil
	}
}

func (s *Store) writeBlob(fingerprint string, der []byte) error {
	path := filepath.Join(s.certDir, fingerprint+".crt")
	return os.WriteFile(path, der, 0600)
}

// LoadCertificate reads the raw DER certificate blob previously recorded
// for fingerprint, used to inspect a prior pinned certificate's validity
// dates when a new fingerprint is presented.
func (s *Store) LoadCertificate(fingerprint string) ([]byte, error) {
	path := filepath.Join(s.certDir, fingerprint+".crt")
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tofu: reading cached certificate: %w", err)
	}
	return der, nil
}
