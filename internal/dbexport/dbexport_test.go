package dbexport

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvw/internal/datatype"
	"github.com/JonMunkholm/csvw/internal/metadata"
)

func setup(t *testing.T, files map[string]string) *metadata.TableGroup {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	g, err := metadata.Load(context.Background(), metadata.Dir(dir), "meta.json")
	require.NoError(t, err)
	return g
}

func names(specs []*TableSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

const postsMeta = `{"tables": [
	{"url": "posts.csv", "tableSchema": {
		"columns": [{"name": "id"}, {"name": "title"}, {"name": "tags", "separator": " "}],
		"primaryKey": "id",
		"foreignKeys": [{"columnReference": "tags", "reference": {"resource": "tags.csv", "columnReference": "id"}}]
	}},
	{"url": "tags.csv", "tableSchema": {"columns": [{"name": "id"}], "primaryKey": "id"}}
]}`

func TestTableName(t *testing.T) {
	assert.Equal(t, "countries", TableName("data/countries.csv"))
	assert.Equal(t, "t", TableName("http://example.org/t.csv.gz"))
	assert.Equal(t, "plain", TableName("plain"))
}

func TestSQLType(t *testing.T) {
	tests := map[string]string{
		"string":        "TEXT",
		"boolean":       "BOOLEAN",
		"decimal":       "NUMERIC",
		"integer":       "NUMERIC",
		"int":           "INTEGER",
		"long":          "BIGINT",
		"unsignedLong":  "NUMERIC",
		"float":         "REAL",
		"double":        "DOUBLE PRECISION",
		"date":          "DATE",
		"dateTime":      "TIMESTAMP",
		"dateTimeStamp": "TIMESTAMPTZ",
		"time":          "TIME",
		"duration":      "INTERVAL",
		"hexBinary":     "BYTEA",
		"json":          "JSONB",
		"anyURI":        "TEXT",
	}
	for base, want := range tests {
		t.Run(base, func(t *testing.T) {
			assert.Equal(t, want, SQLType(datatype.MustNew(datatype.Description{Base: base})))
		})
	}
}

func TestPlan_AssociationTable(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": postsMeta})
	specs, err := Plan(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "tags", "posts_tags"}, names(specs))

	posts := specs[0]
	assert.Len(t, posts.Columns, 2, "list-valued key column moves to the association table")
	assert.Empty(t, posts.ForeignKeys)
	require.Contains(t, posts.ManyToMany, "tags")
	assert.Same(t, specs[2], posts.ManyToMany["tags"])

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "posts_tags" (
    "posts_id" TEXT,
    "tags_id" TEXT,
    "context" TEXT,
    FOREIGN KEY ("posts_id") REFERENCES "posts" ("id") ON DELETE CASCADE,
    FOREIGN KEY ("tags_id") REFERENCES "tags" ("id") ON DELETE CASCADE
)`, specs[2].SQL())
}

func TestPlan_SelfAssociation(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": `{"url": "people.csv", "tableSchema": {
		"columns": [{"name": "id"}, {"name": "friends", "separator": ";"}],
		"primaryKey": "id",
		"foreignKeys": [{"columnReference": "friends", "reference": {"resource": "people.csv", "columnReference": "id"}}]
	}}`})
	specs, err := Plan(g)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "people_id_1", specs[1].Columns[0].Name)
	assert.Equal(t, "people_id_2", specs[1].Columns[1].Name)
}

func TestPlan_ListKeyNeedsSinglePrimaryKey(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": `{"tables": [
		{"url": "a.csv", "tableSchema": {
			"columns": [{"name": "x"}, {"name": "y"}, {"name": "refs", "separator": " "}],
			"primaryKey": ["x", "y"],
			"foreignKeys": [{"columnReference": "refs", "reference": {"resource": "b.csv", "columnReference": "id"}}]
		}},
		{"url": "b.csv", "tableSchema": {"columns": [{"name": "id"}]}}
	]}`})
	_, err := Plan(g)
	assert.ErrorContains(t, err, "needs a single-column primary key")
}

func TestPlan_Order(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": `{"tables": [
		{"url": "orders.csv", "tableSchema": {
			"columns": [{"name": "id"}, {"name": "customer"}, {"name": "parent"}],
			"primaryKey": "id",
			"foreignKeys": [
				{"columnReference": "customer", "reference": {"resource": "customers.csv", "columnReference": "id"}},
				{"columnReference": "parent", "reference": {"resource": "orders.csv", "columnReference": "id"}}
			]
		}},
		{"url": "customers.csv", "tableSchema": {"columns": [{"name": "id"}], "primaryKey": "id"}}
	]}`})
	specs, err := Plan(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, names(specs))
	assert.Equal(t, []ForeignKeySpec{
		{Columns: []string{"customer"}, Table: "customers", RefColumns: []string{"id"}},
		{Columns: []string{"parent"}, Table: "orders", RefColumns: []string{"id"}},
	}, specs[1].ForeignKeys)
}

func TestPlan_Cycle(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": `{"tables": [
		{"url": "a.csv", "tableSchema": {"columns": [{"name": "id"}, {"name": "b"}], "primaryKey": "id",
			"foreignKeys": [{"columnReference": "b", "reference": {"resource": "b.csv", "columnReference": "id"}}]}},
		{"url": "b.csv", "tableSchema": {"columns": [{"name": "id"}, {"name": "a"}], "primaryKey": "id",
			"foreignKeys": [{"columnReference": "a", "reference": {"resource": "a.csv", "columnReference": "id"}}]}}
	]}`})
	_, err := Plan(g)
	assert.ErrorContains(t, err, "cyclic foreign keys between tables a, b")
}

func TestSQL_Constraints(t *testing.T) {
	g := setup(t, map[string]string{"meta.json": `{"url": "m.csv", "tableSchema": {"columns": [
		{"name": "n", "required": true, "datatype": {"base": "integer", "minimum": 1, "maximum": 10}},
		{"name": "code", "datatype": {"base": "string", "minLength": 2, "maxLength": 3}},
		{"name": "day", "datatype": {"base": "date", "minExclusive": "2020-01-01"}},
		{"name": "raw", "datatype": {"base": "hexBinary", "length": 4}},
		{"name": "calc", "virtual": true}
	]}}`})
	specs, err := Plan(g)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "m" (
    "n" NUMERIC NOT NULL CHECK ("n" >= 1 AND "n" <= 10),
    "code" TEXT CHECK (length("code") >= 2 AND length("code") <= 3),
    "day" DATE CHECK ("day" > '2020-01-01'),
    "raw" BYTEA CHECK (octet_length("raw") = 4)
)`, specs[0].SQL())
	assert.Equal(t, specs[0].SQL()+";\n", DDL(specs))
}

func TestValue(t *testing.T) {
	v, err := value(nil, decimal.RequireFromString("12.50"))
	require.NoError(t, err)
	assert.Equal(t, pgtype.Numeric{Int: big.NewInt(1250), Exp: -2, Valid: true}, v)

	v, err = value(nil, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, pgtype.Numeric{Int: big.NewInt(7), Valid: true}, v)

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	v, err = value(nil, datatype.DateTime{Time: day})
	require.NoError(t, err)
	assert.Equal(t, day, v)

	v, err = value(nil, datatype.Duration{Negative: true, Years: 1, Months: 2, Days: 3, Hours: 4, Seconds: decimal.RequireFromString("1.5")})
	require.NoError(t, err)
	assert.Equal(t, pgtype.Interval{Months: -14, Days: -3, Microseconds: -(4*3600*1e6 + 1.5e6), Valid: true}, v)

	v, err = value(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = value(nil, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestExport(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": postsMeta,
		"posts.csv": "id,title,tags\np1,Hello,a b\np2,Empty,\n",
		"tags.csv":  "id\na\nb\n",
	})
	specs, err := Plan(g)
	require.NoError(t, err)

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	for _, s := range specs {
		mock.ExpectExec(s.SQL()).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{"posts"}, []string{"id", "title"}).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"tags"}, []string{"id"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "posts_tags" ("posts_id","tags_id","context") VALUES ($1,$2,$3),($4,$5,$6)`).
		WithArgs("p1", "a", "tags", "p1", "b", "tags").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	stats, err := New(mock, nil).Export(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Tables)
	assert.Equal(t, map[string]int64{"posts": 2, "tags": 2, "posts_tags": 2}, stats.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExport_InvalidRowRollsBack(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "n.csv", "tableSchema": {"columns": [{"name": "n", "datatype": "integer"}]}}`,
		"n.csv":     "n\n1\nx\n",
	})
	specs, err := Plan(g)
	require.NoError(t, err)

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(specs[0].SQL()).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"n"}, []string{"n"}).WillReturnResult(1)
	mock.ExpectRollback()

	_, err = New(mock, nil).Export(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n.csv:3:1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExport_CreateFails(t *testing.T) {
	g := setup(t, map[string]string{
		"meta.json": `{"url": "n.csv", "tableSchema": {"columns": [{"name": "n"}]}}`,
		"n.csv":     "n\n1\n",
	})
	specs, err := Plan(g)
	require.NoError(t, err)

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	boom := errors.New("permission denied")
	mock.ExpectBegin()
	mock.ExpectExec(specs[0].SQL()).WillReturnError(boom)
	mock.ExpectRollback()

	_, err = New(mock, nil).Export(context.Background(), g)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "create table n")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// copySink reads the row source the way COPY does.
type copySink struct {
	rows [][]any
}

func (c *copySink) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return 0, err
		}
		c.rows = append(c.rows, v)
	}
	return int64(len(c.rows)), src.Err()
}

func TestLoad_StreamsRows(t *testing.T) {
	meta := `{"url": "n.csv", "tableSchema": {"columns": [{"name": "n", "datatype": "integer"}]}}`

	t.Run("valid", func(t *testing.T) {
		g := setup(t, map[string]string{"meta.json": meta, "n.csv": "n\n1\n2\n"})
		specs, err := Plan(g)
		require.NoError(t, err)

		sink := &copySink{}
		counts := map[string]int64{}
		links, err := New(nil, nil).load(context.Background(), sink, specs[0], counts)
		require.NoError(t, err)
		assert.Empty(t, links)
		assert.Equal(t, int64(2), counts["n"])
		assert.Equal(t, [][]any{
			{pgtype.Numeric{Int: big.NewInt(1), Valid: true}},
			{pgtype.Numeric{Int: big.NewInt(2), Valid: true}},
		}, sink.rows)
	})

	t.Run("invalid row stops the copy", func(t *testing.T) {
		g := setup(t, map[string]string{"meta.json": meta, "n.csv": "n\n1\nx\n3\n"})
		specs, err := Plan(g)
		require.NoError(t, err)

		sink := &copySink{}
		_, err = New(nil, nil).load(context.Background(), sink, specs[0], map[string]int64{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "n.csv:3:1")
		assert.Len(t, sink.rows, 1)
	})
}
