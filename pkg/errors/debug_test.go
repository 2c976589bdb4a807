package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestDumpFlattensTypedChain(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_orders_iccid", TableName: "orders"}
	err := fmt.Errorf("persist order: %w", Wrap(CodeDependency, pgErr, "insert order"))

	d := Dump(err)
	if d.Code != CodeDependency || !d.Retryable {
		t.Fatalf("expected retryable dependency code, got %+v", d)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected three links in chain, got %v", d.Chain)
	}
	if d.PGCode != "23505" || d.PGConstraint != "ux_orders_iccid" || d.PGTable != "orders" {
		t.Fatalf("postgres fields not extracted: %+v", d)
	}
}

func TestDumpPlainError(t *testing.T) {
	d := Dump(stdErrors.New("boom"))
	if d.Code != "" || d.PGCode != "" || d.TopMessage != "boom" {
		t.Fatalf("unexpected dump %+v", d)
	}
	if empty := Dump(nil); empty.TopMessage != "" || empty.Chain != nil {
		t.Fatalf("nil error should dump empty")
	}
}
