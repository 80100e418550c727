package secrets

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/dbrelay/pkg/pool"
)

// InternalProvider keeps secrets encrypted in a table of a database, sqlite, postgres, mysql or sqlserver
type InternalProvider struct {
	db  *sqlx.DB
	key []byte
}

const (
	saltSize  = 16
	nonceSize = 24
)

// NewInternalProvider opens secrets database and makes the secrets table if missing.
// Database type is detected from the connection string.
func NewInternalProvider(conn string, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("secrets key is empty")
	}
	driver, err := pool.DetectDriver(conn)
	if err != nil {
		return nil, fmt.Errorf("can't determine secrets database type: %w", err)
	}
	if driver == "mysql" {
		conn = strings.TrimPrefix(conn, "mysql://")
	}
	db, err := sqlx.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("can't open secrets database: %w", err)
	}
	ddl := "CREATE TABLE IF NOT EXISTS dbrelay_secrets (skey VARCHAR(255) PRIMARY KEY, sval TEXT)"
	if driver == "sqlserver" {
		ddl = "IF OBJECT_ID('dbrelay_secrets', 'U') IS NULL CREATE TABLE dbrelay_secrets (skey VARCHAR(255) PRIMARY KEY, sval NVARCHAR(MAX))"
	}
	if _, err = db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't make secrets table: %w", err)
	}
	log.Printf("[INFO] secrets provider: internal, %s database", driver)
	return &InternalProvider{db: db, key: key}, nil
}

// Get reads and decrypts the secret
func (p *InternalProvider) Get(key string) (string, error) {
	var sealed string
	err := p.db.Get(&sealed, p.db.Rebind("SELECT sval FROM dbrelay_secrets WHERE skey = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("can't read secret %q: %w", key, err)
	}
	res, err := decrypt(p.key, sealed)
	if err != nil {
		return "", fmt.Errorf("can't decrypt secret %q: %w", key, err)
	}
	return res, nil
}

// Set encrypts and stores the secret, replacing existing value
func (p *InternalProvider) Set(key, value string) error {
	sealed, err := encrypt(p.key, value)
	if err != nil {
		return fmt.Errorf("can't encrypt secret %q: %w", key, err)
	}

	tx, err := p.db.Beginx()
	if err != nil {
		return fmt.Errorf("can't start transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	if _, err = tx.Exec(p.db.Rebind("DELETE FROM dbrelay_secrets WHERE skey = ?"), key); err != nil {
		return fmt.Errorf("can't replace secret %q: %w", key, err)
	}
	if _, err = tx.Exec(p.db.Rebind("INSERT INTO dbrelay_secrets (skey, sval) VALUES (?, ?)"), key, sealed); err != nil {
		return fmt.Errorf("can't insert secret %q: %w", key, err)
	}
	return tx.Commit()
}

// Delete removes the secret, ErrNotFound if there is no such key
func (p *InternalProvider) Delete(key string) error {
	res, err := p.db.Exec(p.db.Rebind("DELETE FROM dbrelay_secrets WHERE skey = ?"), key)
	if err != nil {
		return fmt.Errorf("can't delete secret %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("can't check deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("secret %q: %w", key, ErrNotFound)
	}
	return nil
}

// List returns keys with the prefix, all keys for empty or "*" prefix
func (p *InternalProvider) List(prefix string) ([]string, error) {
	res := []string{}
	var err error
	if prefix == "" || prefix == "*" {
		err = p.db.Select(&res, "SELECT skey FROM dbrelay_secrets ORDER BY skey")
	} else {
		err = p.db.Select(&res, p.db.Rebind("SELECT skey FROM dbrelay_secrets WHERE skey LIKE ? ORDER BY skey"), prefix+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("can't list secrets: %w", err)
	}
	return res, nil
}

// Close closes secrets database
func (p *InternalProvider) Close() error { return p.db.Close() }

// encrypt seals data with nacl secretbox. The key is derived from the provider key and a random salt
// with argon2id; result is base64 of nonce, salt and the sealed data.
func encrypt(key []byte, data string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, nonceSize+saltSize+len(data)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = append(out, salt...)
	sealed := secretbox.Seal(out, []byte(data), &nonce, deriveKey(key, salt))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decrypt(key []byte, encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+saltSize+secretbox.Overhead {
		return "", errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	salt := sealed[nonceSize : nonceSize+saltSize]
	res, ok := secretbox.Open(nil, sealed[nonceSize+saltSize:], &nonce, deriveKey(key, salt))
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(res), nil
}

// deriveKey makes 32 bytes secretbox key with argon2id, 1 pass, 64M memory, 4 threads
func deriveKey(key, salt []byte) *[32]byte {
	var res [32]byte
	copy(res[:], argon2.IDKey(key, salt, 1, 64*1024, 4, 32))
	return &res
}
