package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	collection  TEXT NOT NULL,
	body        TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
CREATE INDEX IF NOT EXISTS idx_documents_item_code ON documents(collection, json_extract(body, '$.item_code'));
`

// SQLiteStore keeps documents as JSON rows in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the mirror database at path. ":memory:" is allowed.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create mirror directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mirror schema: %w", err)
	}

	logger.Info("Opened mirror store", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) FindOne(ctx context.Context, collection string, filter Document) (Document, error) {
	_, doc, err := s.find(ctx, s.db, collection, filter)
	return doc, err
}

func (s *SQLiteStore) find(ctx context.Context, q querier, collection string, filter Document) (string, Document, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return "", nil, err
	}

	var id, body string
	err = q.QueryRowContext(ctx, "SELECT id, body FROM documents WHERE "+where+" LIMIT 1", args...).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("find in %s: %w", collection, classify(err))
	}

	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	doc[IDField] = id
	return id, doc, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, filter, update Document) error {
	_, err := s.BulkWrite(ctx, collection, []WriteOp{{Filter: filter, Update: update, Upsert: true}})
	return err
}

// BulkWrite applies ops in one transaction.
func (s *SQLiteStore) BulkWrite(ctx context.Context, collection string, ops []WriteOp) (BulkResult, error) {
	var res BulkResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin mirror write: %w", classify(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, op := range ops {
		id, doc, err := s.find(ctx, tx, collection, op.Filter)
		if err != nil {
			return BulkResult{}, err
		}

		if doc != nil {
			res.Matched++
			if !applyUpdate(doc, op.Update) {
				continue
			}
			body, err := encodeDocument(doc)
			if err != nil {
				return BulkResult{}, err
			}
			if _, err := tx.ExecContext(ctx, "UPDATE documents SET body = ?, updated_at = ? WHERE id = ?", body, now, id); err != nil {
				return BulkResult{}, fmt.Errorf("update %s/%s: %w", collection, id, classify(err))
			}
			res.Modified++
			continue
		}
		if !op.Upsert {
			continue
		}

		doc = Clone(op.Filter)
		applyUpdate(doc, op.Update)
		id = uuid.New().String()
		body, err := encodeDocument(doc)
		if err != nil {
			return BulkResult{}, err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO documents (id, collection, body, updated_at) VALUES (?, ?, ?, ?)", id, collection, body, now); err != nil {
			return BulkResult{}, fmt.Errorf("insert into %s: %w", collection, classify(err))
		}
		res.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("commit mirror write: %w", classify(err))
	}
	return res, nil
}

// classify tags failures of the database itself with ErrUnavailable. Everything else is
// about the document being read or written.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func encodeDocument(doc Document) (string, error) {
	body := make(Document, len(doc))
	for k, v := range doc {
		if k == IDField {
			continue
		}
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

func buildWhere(collection string, filter Document) (string, []any, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := []string{"collection = ?"}
	args := []any{collection}
	for _, k := range keys {
		if k == IDField {
			clauses = append(clauses, "id = ?")
			args = append(args, filter[k])
			continue
		}
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		expr := "json_extract(body, '$." + k + "')"
		switch v := filter[k].(type) {
		case nil:
			clauses = append(clauses, expr+" IS NULL")
		case time.Time:
			clauses = append(clauses, expr+" = ?")
			args = append(args, v.Format(time.RFC3339Nano))
		case bool:
			clauses = append(clauses, expr+" = ?")
			if v {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		default:
			clauses = append(clauses, expr+" = ?")
			args = append(args, v)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}
