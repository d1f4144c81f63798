package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound 조회 결과 없음
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 유니크 제약 위반
	ErrDuplicate = errors.New("duplicate record")
)

// DBTX *sql.DB 와 *sql.Tx 공통 인터페이스
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxRunner 트랜잭션 실행기
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx DBTX) error) error
}

type sqlTxRunner struct {
	db *sql.DB
}

// NewTxRunner *sql.DB 기반 트랜잭션 실행기 생성
func NewTxRunner(db *sql.DB) TxRunner {
	return &sqlTxRunner{db: db}
}

// WithinTx fn이 에러 없이 끝나면 커밋, 아니면 롤백
func (r *sqlTxRunner) WithinTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
