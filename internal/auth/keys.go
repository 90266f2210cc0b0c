package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/pkg/socket"
)

// APIKey is the stored metadata of an issued key. The secret itself is only
// returned once, at issue time.
type APIKey struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Keys manages project-scoped API keys. The presented key has the form
// "<id>.<secret>"; only a bcrypt hash of the secret is stored.
type Keys struct {
	db *sql.DB
	d  infrastructure.Dialect
}

// NewKeys creates a key manager on the shared database handle.
func NewKeys(db *infrastructure.Database) *Keys {
	return &Keys{db: db.DB, d: db.Dialect}
}

// Issue creates a new API key for a project and returns the presentable key
// exactly once.
func (k *Keys) Issue(ctx context.Context, projectID, name string) (*APIKey, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		CreatedAt: infrastructure.FormatTime(infrastructure.Now()),
	}
	q := fmt.Sprintf(
		"INSERT INTO api_keys (id, project_id, name, secret_hash, created_at) VALUES (%s, %s, %s, %s, %s)",
		k.d.Placeholder(1), k.d.Placeholder(2), k.d.Placeholder(3), k.d.Placeholder(4), k.d.Placeholder(5))
	if _, err := k.db.ExecContext(ctx, q, key.ID, key.ProjectID, key.Name, string(hash), key.CreatedAt); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	return key, key.ID + "." + secret, nil
}

// Verify checks a presented key and returns its principal.
func (k *Keys) Verify(ctx context.Context, presented string) (*Principal, error) {
	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		return nil, socket.Newf(socket.KindUnauthorized, "malformed api key")
	}
	q := fmt.Sprintf("SELECT project_id, secret_hash FROM api_keys WHERE id = %s", k.d.Placeholder(1))
	var projectID, hash string
	err := k.db.QueryRowContext(ctx, q, id).Scan(&projectID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, socket.Newf(socket.KindUnauthorized, "unknown api key")
	}
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "load api key")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, socket.Newf(socket.KindUnauthorized, "invalid api key")
	}
	return &Principal{Subject: "key:" + id, Method: MethodAPIKey, ProjectID: projectID}, nil
}

// Revoke deletes a key by id.
func (k *Keys) Revoke(ctx context.Context, id string) error {
	q := fmt.Sprintf("DELETE FROM api_keys WHERE id = %s", k.d.Placeholder(1))
	res, err := k.db.ExecContext(ctx, q, id)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "revoke api key")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return socket.NotFoundf("api key %q not found", id)
	}
	return nil
}

// List returns a project's keys, newest first.
func (k *Keys) List(ctx context.Context, projectID string) ([]APIKey, error) {
	q := fmt.Sprintf(
		"SELECT id, project_id, name, created_at FROM api_keys WHERE project_id = %s ORDER BY created_at DESC, id",
		k.d.Placeholder(1))
	rows, err := k.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "list api keys")
	}
	defer rows.Close()

	out := []APIKey{}
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.ProjectID, &key.Name, &key.CreatedAt); err != nil {
			return nil, socket.Wrap(err, socket.KindInternal, "scan api key")
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
