package enums

import "fmt"

// WalletTransactionType maps to wallet_transactions.type.
type WalletTransactionType string

const (
	WalletTxDeposit  WalletTransactionType = "deposit"
	WalletTxPurchase WalletTransactionType = "purchase"
	WalletTxDebit    WalletTransactionType = "debit"
	WalletTxCredit   WalletTransactionType = "credit"
	WalletTxRefund   WalletTransactionType = "refund"
)

var validWalletTransactionTypes = []WalletTransactionType{
	WalletTxDeposit,
	WalletTxPurchase,
	WalletTxDebit,
	WalletTxCredit,
	WalletTxRefund,
}

// IsValid reports whether the value matches the canonical wallet transaction type enum.
func (w WalletTransactionType) IsValid() bool {
	for _, candidate := range validWalletTransactionTypes {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWalletTransactionType converts raw input into WalletTransactionType.
func ParseWalletTransactionType(value string) (WalletTransactionType, error) {
	for _, candidate := range validWalletTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet transaction type %q", value)
}

// IsCredit reports whether the type adds funds to the wallet.
func (w WalletTransactionType) IsCredit() bool {
	switch w {
	case WalletTxDeposit, WalletTxCredit, WalletTxRefund:
		return true
	default:
		return false
	}
}
