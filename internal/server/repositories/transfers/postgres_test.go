package transfers

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
)

var cols = []string{"token", "public_key", "state", "artifact_key", "wrapped_key", "filename", "size", "digest",
	"chunks_received", "chunks_total", "created_at", "expires_at", "upload_started_at", "uploaded_at", "consumed_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var (
	created = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	expires = created.Add(24 * time.Hour)
)

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+transfers\s*\(token, public_key, state, created_at, expires_at\)\s*VALUES\s*\(\$1, \$2, \$3, \$4, \$5\)$`
	mock.ExpectExec(q).
		WithArgs("tok", "pk", "created", created.UnixMilli(), expires.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &models.Transfer{Token: "tok", PublicKey: "pk", CreatedAt: created, ExpiresAt: expires})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO transfers`).WillReturnError(errors.New("db down"))

	err := repo.Create(context.Background(), &models.Transfer{Token: "tok", PublicKey: "pk", CreatedAt: created, ExpiresAt: expires})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGet_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	uploaded := created.Add(time.Hour)
	rows := sqlmock.NewRows(cols).AddRow(
		"tok", "pk", "ready", "tok/a.bin", "wk", "a.txt", int64(12), "abcd",
		3, 3, created.UnixMilli(), expires.UnixMilli(), nil, uploaded.UnixMilli(), nil)

	mock.ExpectQuery(`(?s)^SELECT\s+token,.*FROM\s+transfers\s+WHERE\s+token\s*=\s*\$1$`).
		WithArgs("tok").
		WillReturnRows(rows)

	got, err := repo.Get(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != models.StateReady || got.ArtifactKey != "tok/a.bin" || got.WrappedKey != "wk" || got.Size != 12 {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.ExpiresAt.Equal(expires) || !got.UploadedAt.Equal(uploaded) {
		t.Fatalf("unexpected instants: %+v", got)
	}
	if !got.ConsumedAt.IsZero() || !got.UploadStartedAt.IsZero() {
		t.Fatalf("null instants must be zero: %+v", got)
	}
	if got.CreatedAt.Location() != time.UTC {
		t.Fatalf("instants must be UTC, got %v", got.CreatedAt.Location())
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM transfers WHERE token`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(cols))

	_, err := repo.Get(context.Background(), "nope")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGet_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM transfers WHERE token`).WithArgs("tok").WillReturnError(errors.New("boom"))

	_, err := repo.Get(context.Background(), "tok")
	if err == nil || errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want wrapped db error, got %v", err)
	}
}

func TestAttachArtifact(t *testing.T) {
	now := created.Add(time.Hour)
	a := models.Artifact{Key: "tok/x.bin", WrappedKey: "wk", Filename: "f", Size: 9, Digest: "dd", UploadedAt: now}
	q := `(?s)^UPDATE\s+transfers\s+SET\s+state = 'ready'.*WHERE token = \$7 AND state IN \('created', 'uploading'\) AND artifact_key IS NULL AND expires_at > \$8$`

	tests := []struct {
		name    string
		result  sql.Result
		err     error
		want    bool
		wantErr bool
	}{
		{name: "attached", result: sqlmock.NewResult(0, 1), want: true},
		{name: "guard miss", result: sqlmock.NewResult(0, 0), want: false},
		{name: "rows affected error", result: sqlmock.NewErrorResult(errors.New("rows-err")), wantErr: true},
		{name: "too many rows", result: sqlmock.NewResult(0, 2), wantErr: true},
		{name: "db error", err: errors.New("db down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, db := newRepoWithMock(t)
			defer db.Close()

			exp := mock.ExpectExec(q).WithArgs("tok/x.bin", "wk", "f", int64(9), "dd", now.UnixMilli(), "tok", now.UnixMilli())
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnResult(tt.result)
			}

			got, err := repo.AttachArtifact(context.Background(), "tok", a, now)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := created.Add(time.Minute)
	mock.ExpectExec(`(?s)^UPDATE\s+transfers\s+SET\s+state = 'uploading'.*WHERE token = \$6 AND state IN \('created', 'uploading'\) AND expires_at > \$7$`).
		WithArgs(4, 2, 2, 4, now.UnixMilli(), "tok", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateProgress(context.Background(), "tok", 2, 4, now)
	if err != nil || !ok {
		t.Fatalf("UpdateProgress = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkConsumed(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := created.Add(2 * time.Hour)
	mock.ExpectExec(`(?s)^UPDATE transfers SET state = 'consumed', consumed_at = \$1\s+WHERE token = \$2 AND state = 'ready' AND expires_at > \$3$`).
		WithArgs(now.UnixMilli(), "tok", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkConsumed(context.Background(), "tok", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("guard miss must report false")
	}
}

func TestListReclaimable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := expires.Add(time.Minute)
	rows := sqlmock.NewRows(cols).
		AddRow("a", "pk", "created", nil, nil, nil, int64(0), nil, 0, 0, created.UnixMilli(), expires.UnixMilli(), nil, nil, nil).
		AddRow("b", "pk", "consumed", "b/x.bin", "wk", "f", int64(3), "dd", 1, 1, created.UnixMilli(), expires.Add(time.Hour).UnixMilli(), nil, created.UnixMilli(), created.UnixMilli())

	mock.ExpectQuery(`(?s)WHERE expires_at <= \$1 OR state = 'consumed'\s+ORDER BY expires_at$`).
		WithArgs(now.UnixMilli()).
		WillReturnRows(rows)

	got, err := repo.ListReclaimable(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Token != "a" || got[1].Token != "b" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got[0].HasArtifact() || !got[1].HasArtifact() {
		t.Fatalf("artifact presence mismatch")
	}
}

func TestListReclaimable_ScanError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"token"}).AddRow("a")
	mock.ExpectQuery(`FROM transfers`).WillReturnRows(rows)

	if _, err := repo.ListReclaimable(context.Background(), expires); err == nil {
		t.Fatal("expected scan error")
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE FROM transfers WHERE token = \$1$`).WithArgs("tok").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^DELETE FROM transfers WHERE token = \$1$`).WithArgs("tok").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Delete(context.Background(), "tok")
	if err != nil || !ok {
		t.Fatalf("first delete = %v, %v", ok, err)
	}
	ok, err = repo.Delete(context.Background(), "tok")
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
}

func TestStats(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := created
	mock.ExpectQuery(`(?s)^SELECT\s+COUNT\(\*\).*FROM transfers$`).
		WithArgs(now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g"}).AddRow(10, 2, 3, 4, 1, 5, 1234))

	s, err := repo.Stats(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.Stats{Total: 10, Created: 2, Uploading: 3, Ready: 4, Consumed: 1, Expired: 5, StoredBytes: 1234}
	if *s != want {
		t.Fatalf("got %+v, want %+v", *s, want)
	}
}
