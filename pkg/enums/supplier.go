package enums

import "fmt"

// Supplier identifies the upstream eSIM provider backing a plan.
type Supplier string

const (
	SupplierA Supplier = "supplier_a"
	SupplierB Supplier = "supplier_b"
)

var validSuppliers = []Supplier{
	SupplierA,
	SupplierB,
}

// IsValid reports whether the value matches the canonical supplier enum.
func (s Supplier) IsValid() bool {
	for _, candidate := range validSuppliers {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSupplier converts raw input into Supplier.
func ParseSupplier(value string) (Supplier, error) {
	for _, candidate := range validSuppliers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid supplier %q", value)
}
