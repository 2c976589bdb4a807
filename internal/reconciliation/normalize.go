// Package reconciliation keeps order status in line with what the suppliers
// report, from both the poll sweep and inbound webhooks.
package reconciliation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

const (
	DisplayNotActive = "NOT_ACTIVE"
	DisplayEnabled   = "ENABLED"
	DisplayDisabled  = "DISABLED"
	DisplayUnknown   = "UNKNOWN"

	supplierBReleased = "RELEASED"
	supplierBEnabled  = "ENABLED"
	supplierBDisabled = "DISABLED"
	supplierAInUse    = "IN_USE"
)

// NormalizedStatus is the supplier-independent view of an eSIM.
type NormalizedStatus struct {
	DisplayStatus string `json:"display_status"`
	IsConnected   bool   `json:"is_connected"`
	IsActive      bool   `json:"is_active"`
	// ActivatesPlan is true only once the customer is really on the network.
	ActivatesPlan bool `json:"-"`
}

// SupplierBStatus is the state/service/network triple reported by supplier B.
type SupplierBStatus struct {
	State         string
	ServiceStatus string
	NetworkStatus string
}

// ParseSupplierBStatus accepts a decoded JSON object, raw JSON bytes, a
// JSON-encoded string or the legacy "state: X, service: Y, network: Z" text.
func ParseSupplierBStatus(raw any) SupplierBStatus {
	switch v := raw.(type) {
	case nil:
		return SupplierBStatus{}
	case SupplierBStatus:
		return v.normalized()
	case *SupplierBStatus:
		if v == nil {
			return SupplierBStatus{}
		}
		return v.normalized()
	case map[string]any:
		return statusFromMap(v)
	case json.RawMessage:
		return parseSupplierBText(string(v))
	case []byte:
		return parseSupplierBText(string(v))
	case string:
		return parseSupplierBText(v)
	default:
		return parseSupplierBText(fmt.Sprint(v))
	}
}

func parseSupplierBText(text string) SupplierBStatus {
	text = strings.TrimSpace(text)
	if text == "" {
		return SupplierBStatus{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return statusFromMap(obj)
	}
	var inner string
	if err := json.Unmarshal([]byte(text), &inner); err == nil {
		return parseSupplierBText(inner)
	}

	var status SupplierBStatus
	for _, pair := range strings.Split(text, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		status.set(key, value)
	}
	return status.normalized()
}

func statusFromMap(obj map[string]any) SupplierBStatus {
	var status SupplierBStatus
	for key, value := range obj {
		if value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			status.set(key, typed)
		case map[string]any, []any:
			continue
		default:
			status.set(key, fmt.Sprint(typed))
		}
	}
	return status.normalized()
}

func (s *SupplierBStatus) set(key, value string) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "state":
		s.State = value
	case "service", "service_status":
		s.ServiceStatus = value
	case "network", "network_status":
		s.NetworkStatus = value
	}
}

func (s SupplierBStatus) normalized() SupplierBStatus {
	return SupplierBStatus{
		State:         upper(s.State),
		ServiceStatus: upper(s.ServiceStatus),
		NetworkStatus: upper(s.NetworkStatus),
	}
}

func upper(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// NormalizeSupplierB maps supplier B's triple onto a display status.
// RELEASED with network ENABLED means the profile has not been installed yet.
func NormalizeSupplierB(raw any) NormalizedStatus {
	status := ParseSupplierBStatus(raw)
	switch {
	case status.State == supplierBReleased && status.NetworkStatus == supplierBEnabled:
		return NormalizedStatus{DisplayStatus: DisplayNotActive}
	case status.NetworkStatus == supplierBEnabled:
		return NormalizedStatus{DisplayStatus: DisplayEnabled, IsConnected: true, IsActive: true, ActivatesPlan: true}
	case status.NetworkStatus == supplierBDisabled:
		return NormalizedStatus{DisplayStatus: DisplayDisabled}
	case status.NetworkStatus != "":
		return NormalizedStatus{DisplayStatus: status.NetworkStatus}
	default:
		return NormalizedStatus{DisplayStatus: DisplayUnknown}
	}
}

// NormalizeSupplierA maps supplier A's single status field.
func NormalizeSupplierA(status string) NormalizedStatus {
	value := upper(status)
	if value == "" {
		return NormalizedStatus{DisplayStatus: DisplayUnknown}
	}
	if value == supplierAInUse {
		return NormalizedStatus{DisplayStatus: value, IsConnected: true, IsActive: true, ActivatesPlan: true}
	}
	return NormalizedStatus{DisplayStatus: value}
}

// Normalize dispatches on supplier.
func Normalize(supplier enums.Supplier, status any) NormalizedStatus {
	switch supplier {
	case enums.SupplierA:
		switch v := status.(type) {
		case string:
			return NormalizeSupplierA(v)
		case nil:
			return NormalizeSupplierA("")
		default:
			return NormalizeSupplierA(fmt.Sprint(v))
		}
	case enums.SupplierB:
		return NormalizeSupplierB(status)
	default:
		return NormalizedStatus{DisplayStatus: DisplayUnknown}
	}
}

// NormalizeProfile normalizes the status carried by a freshly provisioned profile.
func NormalizeProfile(supplier enums.Supplier, profile suppliers.EsimProfile) NormalizedStatus {
	if supplier == enums.SupplierB && len(profile.Raw) > 0 {
		return NormalizeSupplierB(profile.Raw)
	}
	return Normalize(supplier, profile.Status)
}
