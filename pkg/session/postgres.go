package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/NIAGADS/etl-engine/pkg/errors"
)

// PostgresCoordinator is the production Coordinator, holding one connection
// and one open transaction at a time. Commit finalizes the current
// transaction and immediately begins the next, preserving the single-session
// discipline across batch boundaries.
type PostgresCoordinator struct {
	conn *pgx.Conn
	tx   pgx.Tx
	sess *pgSession
}

// NewPostgresCoordinator connects to the database at connString.
func NewPostgresCoordinator(ctx context.Context, connString string) (*PostgresCoordinator, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "connect to postgres")
	}
	return &PostgresCoordinator{conn: conn}, nil
}

// Begin opens the run's session and its first transaction.
func (c *PostgresCoordinator) Begin(ctx context.Context) (Session, error) {
	if c.sess != nil {
		return nil, errors.New(errors.ErrorTypeInternal, "session already open for this coordinator")
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "begin transaction")
	}
	c.tx = tx
	c.sess = &pgSession{coord: c, touches: newTouchSet()}
	return c.sess, nil
}

// Commit finalizes the current transaction and begins the next.
func (c *PostgresCoordinator) Commit(ctx context.Context) error {
	if c.tx == nil {
		return errors.New(errors.ErrorTypeInternal, "commit without an open transaction")
	}
	if err := c.tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeLoad, "commit batch")
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		c.tx = nil
		return errors.Wrap(err, errors.ErrorTypeConnection, "begin next transaction")
	}
	c.tx = tx
	return nil
}

// Rollback discards the current transaction's work and begins a fresh one.
func (c *PostgresCoordinator) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return errors.New(errors.ErrorTypeInternal, "rollback without an open transaction")
	}
	if err := c.tx.Rollback(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "rollback")
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		c.tx = nil
		return errors.Wrap(err, errors.ErrorTypeConnection, "begin next transaction")
	}
	c.tx = tx
	return nil
}

// Close rolls back any open transaction and closes the connection.
func (c *PostgresCoordinator) Close(ctx context.Context) error {
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
		c.tx = nil
	}
	c.sess = nil
	return c.conn.Close(ctx)
}

type pgSession struct {
	coord   *PostgresCoordinator
	touches *touchSet
}

func (s *pgSession) Insert(ctx context.Context, table string, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.touches.touch(table)

	cols := sortedColumns(rows[0])
	batch := &pgx.Batch{}
	sql := insertSQL(table, cols)
	for _, row := range rows {
		batch.Queue(sql, args(row, cols)...)
	}
	return s.sendBatch(ctx, batch, "insert", table)
}

func (s *pgSession) Update(ctx context.Context, table string, set Row, where Row) (int64, error) {
	s.touches.touch(table)

	setCols := sortedColumns(set)
	whereCols := sortedColumns(where)

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET ", quoteTable(table))
	i := 1
	allArgs := make([]interface{}, 0, len(setCols)+len(whereCols))
	for j, col := range setCols {
		if j > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = $%d", quoteIdent(col), i)
		allArgs = append(allArgs, set[col])
		i++
	}
	writeWhere(&b, whereCols, &allArgs, where, &i)

	tag, err := s.coord.tx.Exec(ctx, b.String(), allArgs...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeLoad, "update "+table)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSession) Upsert(ctx context.Context, table string, rows []Row, keys []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.touches.touch(table)

	cols := sortedColumns(rows[0])
	var b strings.Builder
	b.WriteString(insertSQL(table, cols))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", quoteIdents(keys))
	for j, col := range cols {
		if j > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col))
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(b.String(), args(row, cols)...)
	}
	return s.sendBatch(ctx, batch, "upsert", table)
}

func (s *pgSession) Delete(ctx context.Context, table string, where Row) (int64, error) {
	s.touches.touch(table)

	whereCols := sortedColumns(where)
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s", quoteTable(table))
	i := 1
	allArgs := make([]interface{}, 0, len(whereCols))
	writeWhere(&b, whereCols, &allArgs, where, &i)

	tag, err := s.coord.tx.Exec(ctx, b.String(), allArgs...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeLoad, "delete from "+table)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSession) Select(ctx context.Context, table string, where Row) ([]Row, error) {
	whereCols := sortedColumns(where)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", quoteTable(table))
	i := 1
	allArgs := make([]interface{}, 0, len(whereCols))
	writeWhere(&b, whereCols, &allArgs, where, &i)

	rows, err := s.coord.tx.Query(ctx, b.String(), allArgs...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad, "select from "+table)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeLoad, "scan row from "+table)
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad, "iterate rows from "+table)
	}
	return out, nil
}

func (s *pgSession) TouchedTables() []string {
	return s.touches.list()
}

func (s *pgSession) sendBatch(ctx context.Context, batch *pgx.Batch, op, table string) (int64, error) {
	results := s.coord.tx.SendBatch(ctx, batch)
	defer results.Close()

	var n int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return n, errors.Wrap(err, errors.ErrorTypeLoad, op+" into "+table)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func insertSQL(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteTable(table), quoteIdents(cols), strings.Join(placeholders, ", "))
}

func writeWhere(b *strings.Builder, cols []string, allArgs *[]interface{}, where Row, i *int) {
	for j, col := range cols {
		if j == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(b, "%s = $%d", quoteIdent(col), *i)
		*allArgs = append(*allArgs, where[col])
		*i++
	}
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func args(row Row, cols []string) []interface{} {
	out := make([]interface{}, len(cols))
	for i, col := range cols {
		out[i] = row[col]
	}
	return out
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	return pgx.Identifier(parts).Sanitize()
}

func quoteIdent(col string) string {
	return pgx.Identifier{col}.Sanitize()
}

func quoteIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}
	return strings.Join(quoted, ", ")
}
