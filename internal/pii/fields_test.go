package pii

import (
	"encoding/json"
	"testing"
)

func TestProtectRevealTypedColumns(t *testing.T) {
	km := newManager(t)

	email, err := km.Protect(Email, "Jane@Example.com")
	if err != nil {
		t.Fatalf("protect: %v", err)
	}
	if email.Hash == "" || email.Field.Purpose != "pii:email" {
		t.Fatalf("unexpected protected email: %+v", email)
	}
	ssn, _ := km.Protect(SSN, "123-45-6789")
	if ssn.Hash != "" {
		t.Fatalf("ssn must not be searchable")
	}
	got, err := km.Reveal(Email, email)
	if err != nil || got != "Jane@Example.com" {
		t.Fatalf("reveal = %q %v", got, err)
	}
	if _, err := km.Reveal(SSN, email); err == nil {
		t.Fatalf("revealing with the wrong type must fail")
	}

	empty, _ := km.Protect(Phone, "  ")
	if !empty.IsZero() {
		t.Fatalf("blank input should be zero")
	}
	if v, err := km.Reveal(Phone, empty); err != nil || v != "" {
		t.Fatalf("zero reveal = %q %v", v, err)
	}
	if _, err := km.Protect(FieldType("nickname"), "x"); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestPhoneLookupIgnoresFormatting(t *testing.T) {
	km := newManager(t)
	p, _ := km.Protect(Phone, "(555) 123-4567")
	hashes := km.LookupHashes(Phone, "555.123.4567")
	if len(hashes) != 1 || hashes[0] != p.Hash {
		t.Fatalf("lookup hashes %v do not match %s", hashes, p.Hash)
	}
	if km.LookupHashes(SSN, "123") != nil {
		t.Fatalf("non-searchable type must not produce hashes")
	}
}

func TestEncryptRecordRoundTrip(t *testing.T) {
	km := newManager(t)
	rec := map[string]any{
		"ssn":           "123-45-6789",
		"email":         "jane@example.com",
		"annual_income": float64(85000),
		"employer":      "Acme",
	}
	enc, err := km.EncryptRecord(rec)
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	for _, k := range []string{"ssn", "email", "annual_income"} {
		if _, ok := enc[k]; ok {
			t.Fatalf("plaintext key %s left in record", k)
		}
		if _, ok := enc[k+"_encrypted"]; !ok {
			t.Fatalf("missing %s_encrypted", k)
		}
	}
	if _, ok := enc["email_hash"]; !ok {
		t.Fatalf("missing email_hash")
	}
	if _, ok := enc["ssn_hash"]; ok {
		t.Fatalf("ssn must not be hashed")
	}
	if enc["employer"] != "Acme" {
		t.Fatalf("non-PII key changed")
	}
	for _, k := range []string{"ssn", "email", "annual_income"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("plaintext %s left in the caller's record", k)
		}
	}
	if rec["employer"] != "Acme" {
		t.Fatalf("non-PII key removed from the caller's record")
	}

	// Simulate a trip through a JSON column.
	raw, _ := json.Marshal(enc)
	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	dec, err := km.DecryptRecord(stored)
	if err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
	if dec["ssn"] != "123-45-6789" || dec["email"] != "jane@example.com" || dec["annual_income"] != "85000" {
		t.Fatalf("decrypted = %v", dec)
	}
	if _, ok := dec["email_hash"]; ok {
		t.Fatalf("hash should be dropped on decrypt")
	}
}
