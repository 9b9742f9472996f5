package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"workbench/internal/common/db"
	appErr "workbench/pkg/errors"
)

type fakeRow struct {
	value int64
	err   error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.value
	return nil
}

type fakeDatabase struct {
	row   fakeRow
	query string
	args  []interface{}
}

func (f *fakeDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	f.query = query
	f.args = args
	return f.row
}

func (f *fakeDatabase) Conn(ctx context.Context) (*sql.Conn, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDatabase) Ping(ctx context.Context) error { return nil }
func (f *fakeDatabase) Close() error                   { return nil }

func TestLatestDeltaID(t *testing.T) {
	tests := []struct {
		name     string
		row      fakeRow
		want     int64
		wantCode appErr.ErrorCode
	}{
		{name: "found", row: fakeRow{value: 17}, want: 17},
		{name: "missing", row: fakeRow{err: sql.ErrNoRows}, wantCode: appErr.WorkflowNotFound},
		{name: "connection lost", row: fakeRow{err: errors.New("driver: bad connection")}, wantCode: appErr.DatabaseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := &fakeDatabase{row: tt.row}
			repo := NewWorkflowRepository(db.NewStaticProvider(database))

			got, err := repo.LatestDeltaID(context.Background(), 42)
			if tt.wantCode != 0 {
				if !appErr.Is(err, tt.wantCode) {
					t.Fatalf("err = %v, want code %d", err, tt.wantCode)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("LatestDeltaID() = %d, %v", got, err)
			}
			if !strings.Contains(database.query, "FROM workflow") || database.args[0] != int64(42) {
				t.Fatalf("query %q args %v", database.query, database.args)
			}
		})
	}
}

func TestMissingDatabaseIsFatal(t *testing.T) {
	repo := NewWorkflowRepository(db.NewStaticProvider(nil))
	if _, err := repo.LatestDeltaID(context.Background(), 1); !appErr.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestNotFoundIsNotFatal(t *testing.T) {
	repo := NewWorkflowRepository(db.NewStaticProvider(&fakeDatabase{row: fakeRow{err: sql.ErrNoRows}}))
	_, err := repo.LatestDeltaID(context.Background(), 1)
	if appErr.IsFatal(err) || !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v", err)
	}
}
