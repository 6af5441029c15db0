package apperr

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the stores translate.
const (
	PgUniqueViolation     = "23505"
	PgForeignKeyViolation = "23503"
	PgNotNullViolation    = "23502"
	PgCheckViolation      = "23514"
	PgInvalidTextRep      = "22P02"
)

// FromDB translates driver errors into the taxonomy so raw SQL errors never
// leave the store layer. nil stays nil and *Error passes through.
func FromDB(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Wrap(KindNotFound, "Resource not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgUniqueViolation:
			return Wrap(KindDuplicate, "Resource already exists", err)
		case PgForeignKeyViolation:
			return Wrap(KindValidation, "Referenced resource does not exist", err)
		case PgNotNullViolation:
			return Wrap(KindValidation, "Required field is missing", err)
		case PgCheckViolation, PgInvalidTextRep:
			return Wrap(KindValidation, "Invalid field value", err)
		}
	}
	return Wrap(KindDatabase, "Database operation failed", err)
}
