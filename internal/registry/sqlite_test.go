package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRegistry(t *testing.T) (*SQLiteRegistry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRegistry(db), mock
}

func TestSQLiteRegistry_WriteFailuresSurface(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("database is locked")

	tests := []struct {
		name  string
		query string
		call  func(*SQLiteRegistry) error
	}{
		{
			name:  "register",
			query: "INSERT INTO connections",
			call: func(r *SQLiteRegistry) error {
				return r.Register(ctx, "A", Metadata{})
			},
		},
		{
			name:  "unregister",
			query: "DELETE FROM connections",
			call: func(r *SQLiteRegistry) error {
				return r.Unregister(ctx, "A")
			},
		},
		{
			name:  "update metadata",
			query: "INSERT INTO connections",
			call: func(r *SQLiteRegistry) error {
				return r.UpdateMetadata(ctx, "A", Fields{DisplayName: "ana"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, mock := newMockRegistry(t)
			mock.ExpectExec(tt.query).WillReturnError(dbErr)

			err := tt.call(reg)
			if !errors.Is(err, dbErr) {
				t.Errorf("error = %v, want wrapped %v", err, dbErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLiteRegistry_ListAllFailure(t *testing.T) {
	reg, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT id FROM connections").WillReturnError(errors.New("disk I/O error"))

	if _, err := reg.ListAll(context.Background()); err == nil {
		t.Fatal("ListAll() error = nil, want failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteRegistry_ListAllRows(t *testing.T) {
	reg, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT id FROM connections").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("A").AddRow("B"))

	ids, err := reg.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("ListAll() = %v, want [A B]", ids)
	}
}

func TestSQLiteRegistry_GetNotFound(t *testing.T) {
	reg, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT connected_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"connected_at", "display_name", "domain_name", "stage", "client_timestamp", "updated_at",
		}))

	if _, err := reg.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Error("OpenSQLite(blank) should fail")
	}
}
