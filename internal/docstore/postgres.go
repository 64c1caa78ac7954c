package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores each document as one JSONB row keyed by (collection, id).
type Postgres struct {
	db *sql.DB
}

func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (collection, id)
		)`); err != nil {
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: data}, nil
}

func (p *Postgres) QueryCollection(ctx context.Context, collection string, filters []Filter, orderBy string) ([]Document, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	args := []any{collection}

	if len(filters) > 0 {
		constraint := make(map[string]any, len(filters))
		for _, filter := range filters {
			constraint[filter.Field] = filter.Value
		}
		payload, err := json.Marshal(constraint)
		if err != nil {
			return nil, fmt.Errorf("marshal filters: %w", err)
		}
		query += ` AND data @> $2::jsonb`
		args = append(args, string(payload))
	}

	if field, descending, ok := orderClause(orderBy); ok {
		direction := "ASC"
		if descending {
			direction = "DESC"
		}
		query += fmt.Sprintf(` ORDER BY data->>'%s' %s`, field, direction)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	defer rows.Close()

	documents := make([]Document, 0)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
		}
		documents = append(documents, Document{Collection: collection, ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection %s: %w", collection, err)
	}
	return documents, nil
}

func (p *Postgres) SetDocument(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	return p.set(ctx, p.db, collection, id, data, merge)
}

func (p *Postgres) UpdateDocument(ctx context.Context, collection, id string, data map[string]any) error {
	return p.update(ctx, p.db, collection, id, data)
}

func (p *Postgres) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) RunBatch(ctx context.Context, ops []Op) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			err = p.set(ctx, tx, op.Collection, op.ID, op.Data, op.Merge)
		case OpUpdate:
			err = p.update(ctx, tx, op.Collection, op.ID, op.Data)
		case OpDelete:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM documents WHERE collection = $1 AND id = $2`,
				op.Collection, op.ID,
			)
		default:
			err = fmt.Errorf("unknown batch op %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("batch op %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) set(ctx context.Context, db execer, collection, id string, data map[string]any, merge bool) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document data: %w", err)
	}

	// jsonb || gives the shallow merge SetDocument promises.
	assign := `data = EXCLUDED.data`
	if merge {
		assign = `data = documents.data || EXCLUDED.data`
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO UPDATE SET `+assign,
		collection, id, string(payload),
	); err != nil {
		return fmt.Errorf("set document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) update(ctx context.Context, db execer, collection, id string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document data: %w", err)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb WHERE collection = $1 AND id = $2`,
		collection, id, string(payload),
	)
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeData(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func orderClause(orderBy string) (field string, descending bool, ok bool) {
	field = strings.TrimSpace(orderBy)
	if field == "" {
		return "", false, false
	}
	if strings.HasPrefix(field, "-") {
		descending = true
		field = field[1:]
	}
	for _, r := range field {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return "", false, false
		}
	}
	return field, descending, true
}
