package transfers

import (
	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
)

// SQLiteRepository implements Repository over a modernc.org/sqlite handle.
type SQLiteRepository struct {
	sqlRepository
}

// NewSQLiteRepository constructs a repository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{sqlRepository{db: db, bind: dbx.BindQuestion}}
}
