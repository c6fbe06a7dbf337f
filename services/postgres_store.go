package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/protocol"
)

// PostgresStore implements RegistryStore with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registered_operators (
		operator_id VARCHAR(128) PRIMARY KEY,
		service_type VARCHAR(32) NOT NULL,
		http_endpoint VARCHAR(512) NOT NULL,
		public_key VARCHAR(128) NOT NULL,
		signature BYTEA NOT NULL,
		signer_public_key VARCHAR(128) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_operators_type ON registered_operators(service_type);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveOperator persists a signed operator registration.
func (s *PostgresStore) SaveOperator(signed *protocol.Signed[OperatorRegistration]) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := signed.Object

	query := `
	INSERT INTO registered_operators
		(operator_id, service_type, http_endpoint, public_key, signature, signer_public_key, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (operator_id) DO UPDATE SET
		service_type = EXCLUDED.service_type,
		http_endpoint = EXCLUDED.http_endpoint,
		public_key = EXCLUDED.public_key,
		signature = EXCLUDED.signature,
		signer_public_key = EXCLUDED.signer_public_key,
		updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		string(reg.OperatorID),
		string(reg.ServiceType),
		reg.HTTPEndpoint,
		reg.PublicKey,
		signed.Signature.Bytes(),
		signed.PublicKey.String(),
	)
	return err
}

// DeleteOperator removes an operator registration.
func (s *PostgresStore) DeleteOperator(operatorID crypto.OperatorID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM registered_operators WHERE operator_id = $1", string(operatorID))
	return err
}

// LoadAllOperators retrieves all persisted operator registrations.
func (s *PostgresStore) LoadAllOperators() (map[crypto.OperatorID]*protocol.Signed[OperatorRegistration], error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT operator_id, service_type, http_endpoint, public_key, signature, signer_public_key
		FROM registered_operators
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[crypto.OperatorID]*protocol.Signed[OperatorRegistration])
	for rows.Next() {
		var (
			operatorID   string
			serviceType  string
			httpEndpoint string
			publicKey    string
			signature    []byte
			signerPubKey string
		)
		if err := rows.Scan(&operatorID, &serviceType, &httpEndpoint, &publicKey, &signature, &signerPubKey); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		svcType := ServiceType(serviceType)
		if !svcType.Valid() {
			continue
		}
		signerKey, err := crypto.NewPublicKeyFromString(signerPubKey)
		if err != nil {
			continue
		}

		result[crypto.OperatorID(operatorID)] = &protocol.Signed[OperatorRegistration]{
			PublicKey: signerKey,
			Signature: crypto.NewSignature(signature),
			Object: &OperatorRegistration{
				ServiceType:  svcType,
				HTTPEndpoint: httpEndpoint,
				PublicKey:    publicKey,
				OperatorID:   crypto.OperatorID(operatorID),
			},
		}
	}
	return result, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InMemoryStore implements RegistryStore for testing and local demos.
type InMemoryStore struct {
	mu        sync.Mutex
	operators map[crypto.OperatorID]*protocol.Signed[OperatorRegistration]
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		operators: make(map[crypto.OperatorID]*protocol.Signed[OperatorRegistration]),
	}
}

// SaveOperator stores a registration in memory.
func (s *InMemoryStore) SaveOperator(signed *protocol.Signed[OperatorRegistration]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operators[signed.Object.OperatorID] = signed
	return nil
}

// DeleteOperator removes a registration from memory.
func (s *InMemoryStore) DeleteOperator(operatorID crypto.OperatorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operators, operatorID)
	return nil
}

// LoadAllOperators returns all stored registrations.
func (s *InMemoryStore) LoadAllOperators() (map[crypto.OperatorID]*protocol.Signed[OperatorRegistration], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[crypto.OperatorID]*protocol.Signed[OperatorRegistration], len(s.operators))
	for id, signed := range s.operators {
		result[id] = signed
	}
	return result, nil
}
