// Package ids generates row identifiers.
package ids

import "github.com/oklog/ulid/v2"

// New returns a ULID string. Identifiers created by one process sort in
// creation order, so listings ordered by created_at can break ties on id.
func New() string {
	return ulid.Make().String()
}
