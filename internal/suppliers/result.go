package suppliers

import (
	"encoding/json"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

const (
	// ReasonProviderBusy is the pending reason for throttled or busy suppliers.
	ReasonProviderBusy = "provider_busy"
	// ReasonProvisioningTimeout is the pending reason when polling ran out.
	ReasonProvisioningTimeout = "provisioning_timeout"
	// ReasonUnavailable is the pending reason for network errors and 5xx.
	ReasonUnavailable = "supplier_unavailable"
)

// Result is the outcome of provisioning. It is one of Completed, Pending or
// Failed.
type Result interface {
	isResult()
}

// EsimProfile is a provisioned eSIM.
type EsimProfile struct {
	ICCID                 string
	ActivationCode        string
	ManualCode            string
	SMDPAddress           string
	QRCodeURL             string
	SupplierOrderID       string
	SupplierTransactionID string
	Status                string
	Raw                   json.RawMessage
}

// Completed carries the provisioned profile.
type Completed struct {
	Profile EsimProfile
}

// Pending means the supplier may still succeed later; no refund. Handle is
// set once the supplier has accepted the order, so a retry only polls.
type Pending struct {
	Reason string
	Handle *Handle
}

// Failed is a definitive rejection. Code is CodeSupplierFailed,
// CodeUpstreamAuth or CodeValidation.
type Failed struct {
	Reason string
	Code   pkgerrors.Code
}

func (Completed) isResult() {}
func (Pending) isResult()   {}
func (Failed) isResult()    {}

// UpstreamAuth reports whether the supplier rejected our credentials.
func (f Failed) UpstreamAuth() bool {
	return f.Code == pkgerrors.CodeUpstreamAuth
}

// Classify maps an adapter error onto a Result.
func Classify(err error) Result {
	if err == nil {
		return Pending{Reason: ReasonUnavailable}
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		return Pending{Reason: ReasonUnavailable}
	}
	reason := typed.Message()
	if details, ok := typed.Details().(map[string]any); ok {
		if r, ok := details["reason"].(string); ok && r != "" {
			reason = r
		}
	}

	switch typed.Code() {
	case pkgerrors.CodeSupplierPending:
		return Pending{Reason: reason}
	case pkgerrors.CodeUpstreamAuth:
		return Failed{Reason: "upstream_auth: " + typed.Message(), Code: pkgerrors.CodeUpstreamAuth}
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound:
		return Failed{Reason: reason, Code: pkgerrors.CodeValidation}
	case pkgerrors.CodeSupplierFailed:
		return Failed{Reason: reason, Code: pkgerrors.CodeSupplierFailed}
	default:
		return Pending{Reason: ReasonUnavailable}
	}
}

// Outcome names a result for metrics and audit rows.
func Outcome(result Result) string {
	switch result.(type) {
	case Completed:
		return "completed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
