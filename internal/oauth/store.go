package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/sunrise/internal/crypto"
	"github.com/providentiaww/sunrise/internal/models"
)

const pkceRedisKey = "oauth:pkce:current"

// CredentialStore persists the single token pair and the PKCE session in flight.
// LoadTokens and ConsumePKCESession return (nil, nil) when nothing is stored.
type CredentialStore interface {
	LoadTokens(ctx context.Context) (*models.TokenPair, error)
	SaveTokens(ctx context.Context, pair *models.TokenPair) error
	SavePKCESession(ctx context.Context, session *models.PkceSession) error
	ConsumePKCESession(ctx context.Context) (*models.PkceSession, error)
}

// Store provides credential persistence using Postgres and optional Redis.
type Store struct {
	db            *sql.DB
	redis         *redis.Client
	encryptionKey string
	pkceTTL       time.Duration
}

// NewStoreFromEnv initializes the credential store using Postgres and optional Redis.
func NewStoreFromEnv() (*Store, error) {
	connString := os.Getenv("OAUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return nil, fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required when using database storage")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
	db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	return NewStore(db, rdb, encryptionKey, parseEnvDuration("OAUTH_PKCE_SESSION_TTL", 10*time.Minute))
}

// NewStore wraps an open database (and optional Redis client) and ensures the schema exists.
func NewStore(db *sql.DB, rdb *redis.Client, encryptionKey string, pkceTTL time.Duration) (*Store, error) {
	store := &Store{
		db:            db,
		redis:         rdb,
		encryptionKey: encryptionKey,
		pkceTTL:       pkceTTL,
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize credential schema: %w", err)
	}
	return store, nil
}

// Close closes connections.
func (s *Store) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database and Redis connectivity.
func (s *Store) Ping() error {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			return err
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return err
		}
	}
	return nil
}

// LoadTokens reads and decrypts the stored token pair.
func (s *Store) LoadTokens(ctx context.Context) (*models.TokenPair, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT token_encrypted FROM oauth_credentials WHERE id = 1`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	plain, err := crypto.Decrypt(sealed, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting token pair: %w", err)
	}
	var pair models.TokenPair
	if err := json.Unmarshal([]byte(plain), &pair); err != nil {
		return nil, fmt.Errorf("decoding token pair: %w", err)
	}
	return &pair, nil
}

// SaveTokens encrypts and replaces the stored token pair.
func (s *Store) SaveTokens(ctx context.Context, pair *models.TokenPair) error {
	payload, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(string(payload), s.encryptionKey)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO oauth_credentials (id, token_encrypted, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id)
		DO UPDATE SET
			token_encrypted = EXCLUDED.token_encrypted,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, sealed, time.Now())
	return err
}

// SavePKCESession stores the verifier in Redis or Postgres, replacing any earlier one.
func (s *Store) SavePKCESession(ctx context.Context, session *models.PkceSession) error {
	if s.redis != nil {
		payload, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return s.redis.Set(ctx, pkceRedisKey, payload, s.pkceTTL).Err()
	}

	query := `
		INSERT INTO oauth_pkce_sessions (id, code_verifier, created_at, expires_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET
			code_verifier = EXCLUDED.code_verifier,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.ExecContext(ctx, query, session.CodeVerifier, session.CreatedAt, session.CreatedAt.Add(s.pkceTTL))
	return err
}

// ConsumePKCESession retrieves and deletes the current verifier in one step.
func (s *Store) ConsumePKCESession(ctx context.Context) (*models.PkceSession, error) {
	if s.redis != nil {
		val, err := s.redis.GetDel(ctx, pkceRedisKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var session models.PkceSession
		if err := json.Unmarshal([]byte(val), &session); err != nil {
			return nil, err
		}
		return &session, nil
	}

	var session models.PkceSession
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_pkce_sessions WHERE id = 1 RETURNING code_verifier, created_at, expires_at`,
	).Scan(&session.CodeVerifier, &session.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, nil
	}
	return &session, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_credentials (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		token_encrypted TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_pkce_sessions (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		code_verifier TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
