package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/coverdesk/policy-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local and
// development runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	provider           TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	price              REAL,
	coverage_summary   TEXT NOT NULL DEFAULT '',
	benefits           TEXT NOT NULL DEFAULT '[]',
	product_url        TEXT NOT NULL DEFAULT '',
	document_url       TEXT NOT NULL DEFAULT '',
	external_id        TEXT NOT NULL DEFAULT '',
	active             INTEGER NOT NULL DEFAULT 1,
	is_duplicate       INTEGER NOT NULL DEFAULT 0,
	duplicate_of_id    TEXT NOT NULL DEFAULT '',
	last_verified_at   DATETIME,
	verification_error TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_provider_category ON products(provider, category);

CREATE TABLE IF NOT EXISTS policies (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	policy_number    TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	premium_amount   REAL,
	coverage_summary TEXT NOT NULL DEFAULT '',
	renewal_date     TEXT NOT NULL DEFAULT '',
	risk_score       REAL,
	document_url     TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS consistency_alerts (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_active
	ON consistency_alerts(entity_id, alert_type) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS duplicate_detections (
	id                   TEXT PRIMARY KEY,
	product_id           TEXT NOT NULL,
	duplicate_product_id TEXT NOT NULL,
	similarity_score     INTEGER NOT NULL,
	matching_fields      TEXT NOT NULL DEFAULT '[]',
	confidence           REAL NOT NULL DEFAULT 0,
	reasoning            TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_product ON duplicate_detections(product_id);

CREATE TABLE IF NOT EXISTS chat_conversations (
	id         TEXT PRIMARY KEY,
	policy_id  TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES chat_conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conv ON chat_messages(conversation_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	benefitsJSON, err := json.Marshal(benefitsOrEmpty(p.Benefits))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal benefits")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, provider, category, price, coverage_summary, benefits,
			product_url, document_url, external_id, active, is_duplicate, duplicate_of_id,
			last_verified_at, verification_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Provider, p.Category, p.Price, p.CoverageSummary, string(benefitsJSON),
		p.ProductURL, p.DocumentURL, p.ExternalID, p.Active, p.IsDuplicate, p.DuplicateOfID,
		p.LastVerifiedAt, p.VerificationError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert product")
	}
	return &p, nil
}

const sqliteProductColumns = `id, name, provider, category, price, coverage_summary, benefits,
	product_url, document_url, external_id, active, is_duplicate, duplicate_of_id,
	last_verified_at, verification_error, created_at, updated_at`

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProductColumns+` FROM products WHERE id = ?`, id)
	p, err := scanSQLiteProduct(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProductColumns+` FROM products WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active products")
	}
	defer rows.Close()
	return collectSQLiteProducts(rows)
}

func (s *SQLiteStore) ListPeers(ctx context.Context, provider, category, excludeID string) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProductColumns+` FROM products
		WHERE active = 1 AND provider = ? AND category = ? AND id != ?
		ORDER BY created_at`,
		provider, category, excludeID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list peers")
	}
	defer rows.Close()
	return collectSQLiteProducts(rows)
}

func (s *SQLiteStore) UpdateProductFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "products", id, fields)
}

func (s *SQLiteStore) MarkDuplicate(ctx context.Context, productID, duplicateOfID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET is_duplicate = 1, duplicate_of_id = ?, updated_at = ? WHERE id = ?`,
		duplicateOfID, time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark duplicate %s", productID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("product not found: %s", productID)
	}
	return nil
}

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p model.Policy) (*model.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, user_id, policy_number, provider, category, premium_amount,
			coverage_summary, renewal_date, risk_score, document_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.PolicyNumber, p.Provider, p.Category, p.PremiumAmount,
		p.CoverageSummary, p.RenewalDate, p.RiskScore, p.DocumentURL, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert policy")
	}
	return &p, nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	var p model.Policy
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, policy_number, provider, category, premium_amount,
			coverage_summary, renewal_date, risk_score, document_url, created_at, updated_at
		FROM policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.PolicyNumber, &p.Provider, &p.Category, &p.PremiumAmount,
		&p.CoverageSummary, &p.RenewalDate, &p.RiskScore, &p.DocumentURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy %s", id)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdatePolicyFields(ctx context.Context, id string, fields map[string]any) error {
	return s.updateFields(ctx, "policies", id, fields)
}

func (s *SQLiteStore) updateFields(ctx context.Context, table, id string, fields map[string]any) error {
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
		setClause += fmt.Sprintf("%s = ?", k)
		v, err := encodeFieldValue(fields[k])
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode field %s", k)
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		args = append(args, v)
	}
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE %s SET %s, updated_at = ? WHERE id = ?", table, setClause)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %s", table, id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("%s not found: %s", table, id)
	}
	return nil
}

func (s *SQLiteStore) UpsertActiveAlert(ctx context.Context, a model.ConsistencyAlert) (*model.ConsistencyAlert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal alert details")
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO consistency_alerts (id, entity_id, alert_type, severity, message, details, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT (entity_id, alert_type) WHERE status = 'active'
		DO UPDATE SET severity = excluded.severity, message = excluded.message,
			details = excluded.details, updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at`,
		a.ID, a.EntityID, string(a.AlertType), string(a.Severity), a.Message, string(detailsJSON), now, now,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert alert")
	}

	a.Status = model.AlertActive
	return &a, nil
}

func (s *SQLiteStore) ListActiveAlerts(ctx context.Context, entityID string) ([]model.ConsistencyAlert, error) {
	query := `SELECT id, entity_id, alert_type, severity, message, details, status, created_at, updated_at
		FROM consistency_alerts WHERE status = 'active'`
	args := []any{}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active alerts")
	}
	defer rows.Close()

	var alerts []model.ConsistencyAlert
	for rows.Next() {
		var a model.ConsistencyAlert
		var detailsJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.EntityID, &a.AlertType, &a.Severity, &a.Message,
			&detailsJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &a.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal alert details")
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "sqlite: list active alerts")
}

func (s *SQLiteStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consistency_alerts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update alert status %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("alert not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) DetectionExists(ctx context.Context, productID, duplicateProductID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM duplicate_detections WHERE product_id = ? AND duplicate_product_id = ? LIMIT 1`,
		productID, duplicateProductID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: detection exists")
	}
	return true, nil
}

func (s *SQLiteStore) CreateDetection(ctx context.Context, d model.DuplicateDetection) (*model.DuplicateDetection, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DetectionPending
	}
	d.CreatedAt = time.Now().UTC()

	fieldsJSON, err := json.Marshal(benefitsOrEmpty(d.MatchingFields))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal matching fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO duplicate_detections (id, product_id, duplicate_product_id, similarity_score,
			matching_fields, confidence, reasoning, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProductID, d.DuplicateProductID, d.SimilarityScore,
		string(fieldsJSON), d.Confidence, d.Reasoning, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert detection")
	}
	return &d, nil
}

func (s *SQLiteStore) ListDetections(ctx context.Context, productID string) ([]model.DuplicateDetection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, duplicate_product_id, similarity_score, matching_fields,
			confidence, reasoning, status, created_at
		FROM duplicate_detections WHERE product_id = ? ORDER BY similarity_score DESC`,
		productID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list detections")
	}
	defer rows.Close()

	var out []model.DuplicateDetection
	for rows.Next() {
		var d model.DuplicateDetection
		var fieldsJSON string
		if err := rows.Scan(&d.ID, &d.ProductID, &d.DuplicateProductID, &d.SimilarityScore,
			&fieldsJSON, &d.Confidence, &d.Reasoning, &d.Status, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detection")
		}
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &d.MatchingFields); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal matching fields")
			}
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list detections")
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, policyID, userID string) (*model.ChatConversation, error) {
	c := model.ChatConversation{
		ID:        uuid.New().String(),
		PolicyID:  policyID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_conversations (id, policy_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.PolicyID, c.UserID, c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert conversation")
	}
	return &c, nil
}

func (s *SQLiteStore) AppendChatMessage(ctx context.Context, conversationID, role, content string) (*model.ChatMessage, error) {
	m := model.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_messages (id, conversation_id, role, content, seq, created_at)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE conversation_id = ?), ?)
		RETURNING seq`,
		m.ID, m.ConversationID, m.Role, m.Content, m.ConversationID, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert chat message")
	}
	return &m, nil
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, seq, created_at
		FROM chat_messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chat messages")
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chat message")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list chat messages")
}

func scanSQLiteProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var benefitsJSON string
	err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.Category, &p.Price, &p.CoverageSummary,
		&benefitsJSON, &p.ProductURL, &p.DocumentURL, &p.ExternalID, &p.Active,
		&p.IsDuplicate, &p.DuplicateOfID, &p.LastVerifiedAt, &p.VerificationError,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if benefitsJSON != "" {
		if err := json.Unmarshal([]byte(benefitsJSON), &p.Benefits); err != nil {
			return nil, eris.Wrap(err, "unmarshal benefits")
		}
	}
	return &p, nil
}

func collectSQLiteProducts(rows *sql.Rows) ([]model.Product, error) {
	var out []model.Product
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: collect products")
}
