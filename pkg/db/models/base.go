package models

import (
	"github.com/google/uuid"
)

// ensureID assigns a v4 id when the caller did not pre-generate one.
// Orders reference their id from ledger rows before insert, so ids are owned by Go, not the database.
func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
