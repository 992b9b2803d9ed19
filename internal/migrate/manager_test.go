package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	in := `create table a (x text default 'a;b');
-- comment; with a semicolon
insert into a values ('c');
select 1`
	got := splitStatements(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(got), got)
	}
	if !strings.Contains(got[0], "'a;b'") {
		t.Fatalf("quoted semicolon split: %q", got[0])
	}
	if !strings.Contains(got[1], "insert into a") {
		t.Fatalf("comment swallowed the statement: %q", got[1])
	}
}

func TestEmbeddedFilesPaired(t *testing.T) {
	ups, err := collectSQL(Embedded(), migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no embedded migrations")
	}
	for _, up := range ups {
		down := migrationsDir + "/" + strings.TrimSuffix(up.Base, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Embedded(), down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
	seeds, err := collectSQL(Embedded(), seedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds: %v", err)
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text);")},
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := NewManager(db, files).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied set: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{"sql/0001_a.up.sql": {Data: []byte("create table a (id text);")}}
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))

	if _, err := NewManager(db, files).Down(context.Background()); err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration, got %v", err)
	}
}
