package canparse

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/busmill/canlog/pkg/canspec"
)

// ToSQLite writes the store into a new SQLite database: one table per
// message definition matched by the store, plus a messages table holding
// the minimal records of unknown identifiers. Rows are inserted through
// prepared statements inside a single transaction as the store is
// iterated, so the full output is never buffered; this is the lowest
// memory output path.
func (p *Parser) ToSQLite(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("output file %s already exists", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE messages (timestamp REAL, id INTEGER, data TEXT)`); err != nil {
		return fmt.Errorf("creating messages table: %w", err)
	}
	minimal, err := tx.Prepare(`INSERT INTO messages (timestamp, id, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer minimal.Close()

	inserts := make(map[*canspec.MessageDef]*sql.Stmt)
	defer func() {
		for _, stmt := range inserts {
			stmt.Close()
		}
	}()

	for _, msg := range p.messages {
		if !msg.Matched() {
			if _, err := minimal.Exec(msg.Timestamp, int64(msg.ID), msg.Data); err != nil {
				return fmt.Errorf("inserting minimal record: %w", err)
			}
			continue
		}
		for _, def := range msg.Definitions() {
			stmt, ok := inserts[def]
			if !ok {
				stmt, err = prepareTable(tx, def)
				if err != nil {
					return err
				}
				inserts[def] = stmt
			}
			args := make([]any, 0, 3+len(def.Signals))
			args = append(args, msg.Timestamp, int64(msg.ID), msg.Data)
			for _, name := range def.SignalNames() {
				args = append(args, msg.Signals[name]) // nil for degraded fields
			}
			if _, err := stmt.Exec(args...); err != nil {
				return fmt.Errorf("inserting into %s: %w", tableName(def), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing database: %w", err)
	}
	return nil
}

// prepareTable creates a definition's table and its insert statement.
// Signal columns are NUMERIC except enumerated signals, whose decoded
// values are labels.
func prepareTable(tx *sql.Tx, def *canspec.MessageDef) (*sql.Stmt, error) {
	var cols strings.Builder
	cols.WriteString("timestamp REAL, id INTEGER, data TEXT")
	placeholders := "?, ?, ?"
	for i := range def.Signals {
		sig := &def.Signals[i]
		colType := "NUMERIC"
		if sig.Kind == canspec.Enumerated {
			colType = "TEXT"
		}
		fmt.Fprintf(&cols, `, "%s" %s`, strings.ReplaceAll(sig.Name, `"`, `""`), colType)
		placeholders += ", ?"
	}

	table := tableName(def)
	if _, err := tx.Exec(fmt.Sprintf(`CREATE TABLE "%s" (%s)`, table, cols.String())); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", table, err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO "%s" VALUES (%s)`, table, placeholders))
	if err != nil {
		return nil, fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	return stmt, nil
}

func tableName(def *canspec.MessageDef) string {
	return sanitizeName(def.Protocol) + "_" + sanitizeName(def.Name)
}
