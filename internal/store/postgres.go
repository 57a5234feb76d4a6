package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name               TEXT NOT NULL,
	provider           TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	price              DOUBLE PRECISION,
	coverage_summary   TEXT NOT NULL DEFAULT '',
	benefits           JSONB NOT NULL DEFAULT '[]',
	product_url        TEXT NOT NULL DEFAULT '',
	document_url       TEXT NOT NULL DEFAULT '',
	external_id        TEXT NOT NULL DEFAULT '',
	active             BOOLEAN NOT NULL DEFAULT true,
	is_duplicate       BOOLEAN NOT NULL DEFAULT false,
	duplicate_of_id    TEXT NOT NULL DEFAULT '',
	last_verified_at   TIMESTAMPTZ,
	verification_error TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_products_provider_category ON products(provider, category);
CREATE INDEX IF NOT EXISTS idx_products_active ON products(active);

CREATE TABLE IF NOT EXISTS policies (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id          TEXT NOT NULL DEFAULT '',
	policy_number    TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	premium_amount   DOUBLE PRECISION,
	coverage_summary TEXT NOT NULL DEFAULT '',
	renewal_date     TEXT NOT NULL DEFAULT '',
	risk_score       DOUBLE PRECISION,
	document_url     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_policies_user_id ON policies(user_id);

CREATE TABLE IF NOT EXISTS consistency_alerts (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_active
	ON consistency_alerts(entity_id, alert_type) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON consistency_alerts(entity_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON consistency_alerts(status);

CREATE TABLE IF NOT EXISTS duplicate_detections (
	id                   TEXT PRIMARY KEY,
	product_id           TEXT NOT NULL,
	duplicate_product_id TEXT NOT NULL,
	similarity_score     INTEGER NOT NULL,
	matching_fields      JSONB NOT NULL DEFAULT '[]',
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
	reasoning            TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_detections_product ON duplicate_detections(product_id);
CREATE INDEX IF NOT EXISTS idx_detections_pair ON duplicate_detections(product_id, duplicate_product_id);

CREATE TABLE IF NOT EXISTS chat_conversations (
	id         TEXT PRIMARY KEY,
	policy_id  TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES chat_conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conv ON chat_messages(conversation_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const productColumns = `id, name, provider, category, price, coverage_summary, benefits,
	product_url, document_url, external_id, active, is_duplicate, duplicate_of_id,
	last_verified_at, verification_error, created_at, updated_at`

func (s *PostgresStore) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	benefitsJSON, err := json.Marshal(benefitsOrEmpty(p.Benefits))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal benefits")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO products (id, name, provider, category, price, coverage_summary, benefits,
			product_url, document_url, external_id, active, is_duplicate, duplicate_of_id,
			last_verified_at, verification_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.Name, p.Provider, p.Category, p.Price, p.CoverageSummary, benefitsJSON,
		p.ProductURL, p.DocumentURL, p.ExternalID, p.Active, p.IsDuplicate, p.DuplicateOfID,
		p.LastVerifiedAt, p.VerificationError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert product")
	}
	return &p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active products")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) ListPeers(ctx context.Context, provider, category, excludeID string) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
		WHERE active AND provider = $1 AND category = $2 AND id != $3
		ORDER BY created_at`,
		provider, category, excludeID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list peers")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) UpdateProductFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "products", id, fields)
}

func (s *PostgresStore) MarkDuplicate(ctx context.Context, productID, duplicateOfID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET is_duplicate = true, duplicate_of_id = $1, updated_at = $2 WHERE id = $3`,
		duplicateOfID, time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark duplicate %s", productID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("product not found: %s", productID)
	}
	return nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p model.Policy) (*model.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (id, user_id, policy_number, provider, category, premium_amount,
			coverage_summary, renewal_date, risk_score, document_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.UserID, p.PolicyNumber, p.Provider, p.Category, p.PremiumAmount,
		p.CoverageSummary, p.RenewalDate, p.RiskScore, p.DocumentURL, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert policy")
	}
	return &p, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	var p model.Policy
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, policy_number, provider, category, premium_amount,
			coverage_summary, renewal_date, risk_score, document_url, created_at, updated_at
		FROM policies WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.PolicyNumber, &p.Provider, &p.Category, &p.PremiumAmount,
		&p.CoverageSummary, &p.RenewalDate, &p.RiskScore, &p.DocumentURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePolicyFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "policies", id, fields)
}

// updateFields issues a single UPDATE containing only the supplied columns.
// Keys are sorted so the generated SQL is deterministic.
func (s *PostgresStore) updateFields(ctx context.Context, table, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	setClause := ""
	args := make([]any, 0, len(keys)+2)
	for i, k := range keys {
		if i > 0 {
			setClause += ", "
		}
		setClause += fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
		v, err := encodeFieldValue(fields[k])
		if err != nil {
			return eris.Wrapf(err, "postgres: encode field %s", k)
		}
		args = append(args, v)
	}
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE %s SET %s, updated_at = $%d WHERE id = $%d",
		table, setClause, len(keys)+1, len(keys)+2)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", table, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %s", table, id)
	}
	return nil
}

func (s *PostgresStore) UpsertActiveAlert(ctx context.Context, a model.ConsistencyAlert) (*model.ConsistencyAlert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal alert details")
	}

	// Atomic conditional write: the partial unique index on
	// (entity_id, alert_type) WHERE status='active' makes concurrent checks
	// converge on a single active row.
	err = s.pool.QueryRow(ctx,
		`INSERT INTO consistency_alerts (id, entity_id, alert_type, severity, message, details, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $7)
		ON CONFLICT (entity_id, alert_type) WHERE status = 'active'
		DO UPDATE SET severity = EXCLUDED.severity, message = EXCLUDED.message,
			details = EXCLUDED.details, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`,
		a.ID, a.EntityID, string(a.AlertType), string(a.Severity), a.Message, detailsJSON, now,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert alert")
	}

	a.Status = model.AlertActive
	return &a, nil
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context, entityID string) ([]model.ConsistencyAlert, error) {
	query := `SELECT id, entity_id, alert_type, severity, message, details, status, created_at, updated_at
		FROM consistency_alerts WHERE status = 'active'`
	args := []any{}
	if entityID != "" {
		query += ` AND entity_id = $1`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active alerts")
	}
	defer rows.Close()

	var alerts []model.ConsistencyAlert
	for rows.Next() {
		var a model.ConsistencyAlert
		var detailsJSON []byte
		if err := rows.Scan(&a.ID, &a.EntityID, &a.AlertType, &a.Severity, &a.Message,
			&detailsJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &a.Details); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal alert details")
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "postgres: list active alerts")
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE consistency_alerts SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update alert status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("alert not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DetectionExists(ctx context.Context, productID, duplicateProductID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM duplicate_detections WHERE product_id = $1 AND duplicate_product_id = $2)`,
		productID, duplicateProductID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: detection exists")
	}
	return exists, nil
}

func (s *PostgresStore) CreateDetection(ctx context.Context, d model.DuplicateDetection) (*model.DuplicateDetection, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DetectionPending
	}
	d.CreatedAt = time.Now().UTC()

	fieldsJSON, err := json.Marshal(benefitsOrEmpty(d.MatchingFields))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal matching fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO duplicate_detections (id, product_id, duplicate_product_id, similarity_score,
			matching_fields, confidence, reasoning, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ProductID, d.DuplicateProductID, d.SimilarityScore,
		fieldsJSON, d.Confidence, d.Reasoning, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert detection")
	}
	return &d, nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, productID string) ([]model.DuplicateDetection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, duplicate_product_id, similarity_score, matching_fields,
			confidence, reasoning, status, created_at
		FROM duplicate_detections WHERE product_id = $1 ORDER BY similarity_score DESC`,
		productID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list detections")
	}
	defer rows.Close()

	var out []model.DuplicateDetection
	for rows.Next() {
		var d model.DuplicateDetection
		var fieldsJSON []byte
		if err := rows.Scan(&d.ID, &d.ProductID, &d.DuplicateProductID, &d.SimilarityScore,
			&fieldsJSON, &d.Confidence, &d.Reasoning, &d.Status, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan detection")
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &d.MatchingFields); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal matching fields")
			}
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list detections")
}

func (s *PostgresStore) CreateConversation(ctx context.Context, policyID, userID string) (*model.ChatConversation, error) {
	c := model.ChatConversation{
		ID:        uuid.New().String(),
		PolicyID:  policyID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_conversations (id, policy_id, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.PolicyID, c.UserID, c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert conversation")
	}
	return &c, nil
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, conversationID, role, content string) (*model.ChatMessage, error) {
	m := model.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	// Seq is computed inside the insert so ordering holds under one timestamp.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (id, conversation_id, role, content, seq, created_at)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE conversation_id = $2), $5)
		RETURNING seq`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert chat message")
	}
	return &m, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, seq, created_at
		FROM chat_messages WHERE conversation_id = $1 ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chat messages")
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chat message")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list chat messages")
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var benefitsJSON []byte
	err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.Category, &p.Price, &p.CoverageSummary,
		&benefitsJSON, &p.ProductURL, &p.DocumentURL, &p.ExternalID, &p.Active,
		&p.IsDuplicate, &p.DuplicateOfID, &p.LastVerifiedAt, &p.VerificationError,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(benefitsJSON) > 0 {
		if err := json.Unmarshal(benefitsJSON, &p.Benefits); err != nil {
			return nil, eris.Wrap(err, "unmarshal benefits")
		}
	}
	return &p, nil
}

func collectProducts(rows pgx.Rows) ([]model.Product, error) {
	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: collect products")
}

// encodeFieldValue converts slice values to JSON for storage in JSONB/TEXT
// columns; scalars pass through.
func encodeFieldValue(v any) (any, error) {
	switch vv := v.(type) {
	case []string:
		return json.Marshal(vv)
	case []any:
		return json.Marshal(vv)
	default:
		return v, nil
	}
}

func benefitsOrEmpty(b []string) []string {
	if b == nil {
		return []string{}
	}
	return b
}
