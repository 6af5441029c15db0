package pii

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// FieldType names a class of PII. Each type encrypts under its own purpose.
type FieldType string

const (
	SSN          FieldType = "ssn"
	Email        FieldType = "email"
	Phone        FieldType = "phone"
	AnnualIncome FieldType = "annual_income"
	DateOfBirth  FieldType = "date_of_birth"
	BankAccount  FieldType = "bank_account"
	Address      FieldType = "address"
)

var fieldTypes = map[FieldType]bool{
	SSN: false, Email: true, Phone: true, AnnualIncome: false,
	DateOfBirth: false, BankAccount: false, Address: false,
}

// FieldTypes lists every known type.
func FieldTypes() []FieldType {
	return []FieldType{SSN, Email, Phone, AnnualIncome, DateOfBirth, BankAccount, Address}
}

// Known reports whether ft is a recognised type.
func (ft FieldType) Known() bool {
	_, ok := fieldTypes[ft]
	return ok
}

// Searchable types get a companion search hash.
func (ft FieldType) Searchable() bool { return fieldTypes[ft] }

// Purpose is the key-derivation context for ft.
func (ft FieldType) Purpose() string { return "pii:" + string(ft) }

// Canonical normalizes a value before hashing. Phones compare on digits.
func (ft FieldType) Canonical(v string) string {
	if ft == Phone {
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, v)
	}
	return normalize(v)
}

// Protected is a typed column value: the ciphertext and, for searchable
// types, the search hash. The zero value is an absent field.
type Protected struct {
	Field *EncryptedField
	Hash  string
}

// IsZero reports whether no value is stored.
func (p Protected) IsZero() bool { return p.Field == nil }

// Protect encrypts value for a typed column. Blank input yields a zero Protected.
func (km *KeyManager) Protect(ft FieldType, value string) (Protected, error) {
	if !ft.Known() {
		return Protected{}, fmt.Errorf("pii: unknown field type %q", ft)
	}
	if strings.TrimSpace(value) == "" {
		return Protected{}, nil
	}
	field, err := km.Encrypt(value, ft.Purpose())
	if err != nil {
		return Protected{}, err
	}
	out := Protected{Field: field}
	if ft.Searchable() {
		out.Hash = km.SearchHash(ft.Canonical(value), ft.Purpose())
	}
	return out, nil
}

// Reveal decrypts a typed column. A zero Protected reveals as "".
func (km *KeyManager) Reveal(ft FieldType, p Protected) (string, error) {
	if p.IsZero() {
		return "", nil
	}
	return km.Decrypt(p.Field, ft.Purpose())
}

// LookupHashes returns the search hashes to match value against, across
// rotated keys.
func (km *KeyManager) LookupHashes(ft FieldType, value string) []string {
	if !ft.Searchable() || strings.TrimSpace(value) == "" {
		return nil
	}
	return km.SearchHashCandidates(ft.Canonical(value), ft.Purpose())
}

// Value stores the field as JSON.
func (f *EncryptedField) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan reads a JSON column.
func (f *EncryptedField) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*f = EncryptedField{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("pii: cannot scan %T into EncryptedField", src)
	}
	return json.Unmarshal(raw, f)
}

const (
	encryptedSuffix = "_encrypted"
	hashSuffix      = "_hash"
)

// EncryptRecord returns a copy of rec in which every known PII key is
// replaced by <key>_encrypted and, for searchable types, <key>_hash.
// Other keys pass through untouched. On success the plaintext PII keys are
// also deleted from rec so the caller keeps no cleartext copy.
func (km *KeyManager) EncryptRecord(rec map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for k, v := range rec {
		ft := FieldType(k)
		if !ft.Known() || v == nil {
			continue
		}
		plain, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("pii: field %s: %w", k, err)
		}
		delete(out, k)
		if strings.TrimSpace(plain) == "" {
			continue
		}
		p, err := km.Protect(ft, plain)
		if err != nil {
			return nil, fmt.Errorf("pii: field %s: %w", k, err)
		}
		out[k+encryptedSuffix] = p.Field
		if p.Hash != "" {
			out[k+hashSuffix] = p.Hash
		}
	}
	for k := range rec {
		if FieldType(k).Known() {
			delete(rec, k)
		}
	}
	return out, nil
}

// DecryptRecord reverses EncryptRecord. It accepts fields as *EncryptedField
// or as the generic maps produced by decoding JSON.
func (km *KeyManager) DecryptRecord(rec map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for k, v := range rec {
		base, ok := strings.CutSuffix(k, encryptedSuffix)
		if !ok || !FieldType(base).Known() {
			continue
		}
		field, err := asField(v)
		if err != nil {
			return nil, fmt.Errorf("pii: field %s: %w", base, err)
		}
		plain, err := km.Decrypt(field, FieldType(base).Purpose())
		if err != nil {
			return nil, fmt.Errorf("pii: field %s: %w", base, err)
		}
		out[base] = plain
		delete(out, k)
		delete(out, base+hashSuffix)
	}
	return out, nil
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", errors.New("unsupported value type")
	}
}

func asField(v any) (*EncryptedField, error) {
	switch t := v.(type) {
	case *EncryptedField:
		return t, nil
	case EncryptedField:
		return &t, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var f EncryptedField
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
}
