package dbexport

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"math/big"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

// DB is the connection the exporter needs. Satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// Exporter creates tables and loads rows in one transaction.
type Exporter struct {
	db     DB
	qb     sq.StatementBuilderType
	logger *slog.Logger
}

// New creates an Exporter. A nil logger means slog.Default().
func New(db DB, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		db:     db,
		qb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
	}
}

// Stats reports what an export wrote.
type Stats struct {
	Tables int
	Rows   map[string]int64
}

// Export creates the tables of g and copies every row into them. Rows are
// read in FailFast mode, so the first invalid row aborts the export and
// nothing is committed.
func (e *Exporter) Export(ctx context.Context, g *metadata.TableGroup) (Stats, error) {
	specs, err := Plan(g)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Tables: len(specs), Rows: make(map[string]int64, len(specs))}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx) // no-op once committed

	for _, s := range specs {
		if _, err := tx.Exec(ctx, s.SQL()); err != nil {
			return stats, errors.Wrapf(err, "create table %s", s.Name)
		}
	}
	// Association rows go in last, once both sides of every link exist.
	var links []link
	for _, s := range specs {
		if s.table == nil {
			continue
		}
		l, err := e.load(ctx, tx, s, stats.Rows)
		if err != nil {
			return stats, err
		}
		links = append(links, l...)
	}
	for _, l := range links {
		sql, args, err := l.insert.ToSql()
		if err != nil {
			return stats, errors.Wrapf(err, "build insert into %s", l.table)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return stats, errors.Wrapf(err, "insert into %s", l.table)
		}
		stats.Rows[l.table] += l.rows
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, errors.Wrap(err, "commit")
	}
	e.logger.Info("export complete", slog.Int("tables", stats.Tables))
	return stats, nil
}

type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// link is a pending multi-row insert into an association table.
type link struct {
	table  string
	rows   int64
	insert sq.InsertBuilder
}

func (e *Exporter) load(ctx context.Context, tx copier, s *TableSpec, counts map[string]int64) ([]link, error) {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	links := make(map[string]sq.InsertBuilder, len(s.manyOrder))
	linked := make(map[string]int64, len(s.manyOrder))
	for _, col := range s.manyOrder {
		at := s.ManyToMany[col]
		links[col] = e.qb.Insert(quote(at.Name)).Columns(quote(at.Columns[0].Name), quote(at.Columns[1].Name), quote(at.Columns[2].Name))
	}
	schema := s.table.Schema()

	convert := func(rec metadata.Record) ([]any, error) {
		row := make([]any, len(s.Columns))
		for i, c := range s.Columns {
			v, _ := rec.Values.Get(c.Name)
			cv, err := value(c.column, v)
			if err != nil {
				return nil, errors.Wrapf(err, "%s#row=%d column %s", rec.URL, rec.Line, c.Name)
			}
			row[i] = cv
		}
		if len(s.manyOrder) == 0 {
			return row, nil
		}
		pkCol := schema.Column(s.PrimaryKey[0])
		pkv, _ := rec.Values.Get(pkCol.Header())
		pk, err := value(pkCol, pkv)
		if err != nil {
			return nil, err
		}
		for _, col := range s.manyOrder {
			v, _ := rec.Values.Get(col)
			items, _ := v.([]any)
			for _, item := range items {
				if item == nil {
					continue
				}
				iv, err := value(nil, item)
				if err != nil {
					return nil, err
				}
				links[col] = links[col].Values(pk, iv, col)
				linked[col]++
			}
		}
		return row, nil
	}

	next, stop := iter.Pull2(s.table.Iter(ctx, metadata.ReadOptions{Logger: e.logger}))
	defer stop()
	nextRow := func() ([]any, error) {
		rec, err, ok := next()
		switch {
		case !ok:
			return nil, nil
		case err != nil:
			return nil, err
		}
		return convert(rec)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{s.Name}, names, pgx.CopyFromFunc(nextRow))
	if err != nil {
		return nil, errors.Wrapf(err, "copy into %s", s.Name)
	}
	// A copy that returned without reading the whole table leaves rows
	// unchecked and unlinked.
	for {
		row, err := nextRow()
		if err != nil {
			return nil, errors.Wrapf(err, "copy into %s", s.Name)
		}
		if row == nil {
			break
		}
	}
	counts[s.Name] = n
	e.logger.Debug("copied rows", slog.String("table", s.Name), slog.Int64("rows", n))

	var out []link
	for _, col := range s.manyOrder {
		if linked[col] > 0 {
			out = append(out, link{table: s.ManyToMany[col].Name, rows: linked[col], insert: links[col]})
		}
	}
	return out, nil
}

// value converts a typed cell value into a pgx argument. List values of
// c are stored as their joined lexical form.
func value(c *metadata.Column, v any) (any, error) {
	if c != nil && c.IsList() {
		if v == nil {
			return nil, nil
		}
		return c.Write(v)
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return pgtype.Numeric{Int: x.Coefficient(), Exp: x.Exponent(), Valid: true}, nil
	case *big.Int:
		return pgtype.Numeric{Int: x, Exp: 0, Valid: true}, nil
	case datatype.DateTime:
		if c != nil && c.Type().Base().Family == datatype.FamilyTime {
			t := x.Time
			us := (int64(t.Hour())*3600+int64(t.Minute())*60+int64(t.Second()))*1e6 + int64(t.Nanosecond()/1e3)
			return pgtype.Time{Microseconds: us, Valid: true}, nil
		}
		return x.Time, nil
	case datatype.Duration:
		return interval(x), nil
	case json.RawMessage:
		return string(x), nil
	}
	return v, nil
}

func interval(d datatype.Duration) pgtype.Interval {
	months := d.Years*12 + d.Months
	us := d.Seconds.Mul(decimal.NewFromInt(1e6)).IntPart() + (d.Hours*3600+d.Minutes*60)*1e6
	days := d.Days
	if d.Negative {
		months, days, us = -months, -days, -us
	}
	return pgtype.Interval{Months: int32(months), Days: int32(days), Microseconds: us, Valid: true}
}
