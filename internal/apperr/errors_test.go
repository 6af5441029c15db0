package apperr

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestFromDBMapsDriverCodes(t *testing.T) {
	cases := map[string]Kind{
		PgUniqueViolation:     KindDuplicate,
		PgForeignKeyViolation: KindValidation,
		PgNotNullViolation:    KindValidation,
		PgCheckViolation:      KindValidation,
		"40001":               KindDatabase,
	}
	for code, want := range cases {
		err := FromDB(fmt.Errorf("insert: %w", &pgconn.PgError{Code: code}))
		if got := KindOf(err); got != want {
			t.Fatalf("code %s: got %s, want %s", code, got, want)
		}
	}
	if KindOf(FromDB(sql.ErrNoRows)) != KindNotFound {
		t.Fatalf("expected ErrNoRows to map to not found")
	}
	if FromDB(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestFromDBKeepsAppErrors(t *testing.T) {
	orig := Forbidden("nope")
	if got := FromDB(orig); got != error(orig) {
		t.Fatalf("app error was rewrapped: %v", got)
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("Lead not found"))
	if !errors.Is(err, NotFound("")) {
		t.Fatalf("expected kind match")
	}
	if errors.Is(err, Duplicate("")) {
		t.Fatalf("unexpected kind match")
	}
}

func TestStatusCodes(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      http.StatusBadRequest,
		KindAuthentication:  http.StatusUnauthorized,
		KindAuthorization:   http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindDuplicate:       http.StatusConflict,
		KindRateLimit:       http.StatusTooManyRequests,
		KindExternalService: http.StatusServiceUnavailable,
		KindDatabase:        http.StatusInternalServerError,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Fatalf("%s: got %d, want %d", kind, got, want)
		}
	}
}
