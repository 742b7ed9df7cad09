package model

import (
	"fmt"
	"strings"
)

// ExternalOwner is the counterparty of deposits and withdrawals. Its wallets
// are the only ones allowed to carry a negative balance.
const ExternalOwner = "external"

// WalletID returns the wallet identifier for an owner and currency.
func WalletID(owner, currency string) string {
	return fmt.Sprintf("%s:%s", owner, strings.ToUpper(currency))
}

// FundWalletID returns the wallet of a company sub-fund.
func FundWalletID(f Fund, currency string) string {
	return WalletID("fund:"+string(f), currency)
}

// ExternalWalletID returns the external counterparty wallet for a currency.
func ExternalWalletID(currency string) string {
	return WalletID(ExternalOwner, currency)
}

// IsExternalWallet reports whether id belongs to the external counterparty.
func IsExternalWallet(id string) bool {
	return strings.HasPrefix(id, ExternalOwner+":")
}
