package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
)

func TestInTxRollsBack(t *testing.T) {
	db := New()
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.Auth().InTx(ctx, func(tx auth.Store) error {
		if err := tx.Organizations(ctx).Create(ctx, &auth.Organization{ID: "o1", Slug: "o1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := db.Auth().Organizations(ctx).Find(ctx, "o1"); !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("organization survived rollback: %v", err)
	}
}

func TestUserEmailIsUnique(t *testing.T) {
	db := New()
	ctx := context.Background()
	users := db.Auth().Users(ctx)
	_ = db.Auth().Organizations(ctx).Create(ctx, &auth.Organization{ID: "o1", Slug: "o1"})
	if err := users.Create(ctx, &auth.User{ID: "u1", OrganizationID: "o1", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	err := users.Create(ctx, &auth.User{ID: "u2", OrganizationID: "o1", Email: "A@example.com"})
	if apperr.KindOf(err) != apperr.KindDuplicate {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := users.FindInOrg(ctx, "o2", "u1"); !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("cross-tenant lookup: %v", err)
	}
}

func TestAuditListFiltersAndPages(t *testing.T) {
	db := New()
	ctx := context.Background()
	store := db.Audit()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		org := "o1"
		if i%2 == 1 {
			org = "o2"
		}
		_ = store.Append(ctx, &audit.Entry{ID: string(rune('a' + i)), OrganizationID: org, Action: "READ", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	got, err := store.List(ctx, audit.Filter{OrganizationID: "o1", Action: "read", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e" || got[1].ID != "c" {
		t.Fatalf("unexpected page: %+v", got)
	}
}
