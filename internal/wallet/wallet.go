// Package wallet settles lightning invoices attached to job results. The
// default agent speaks the wallet-connect protocol over a dedicated relay.
package wallet

import (
	"context"
	"errors"
)

var (
	ErrWalletUnavailable = errors.New("wallet is not connected")
	ErrPaymentRejected   = errors.New("wallet rejected the payment")
	ErrPaymentTimeout    = errors.New("wallet did not answer the payment request")
)

// SetupInstruction is surfaced verbatim when no wallet is configured, so the
// user knows exactly what to provide.
const SetupInstruction = "connect a wallet by setting the nostr+walletconnect:// URI " +
	"in the wallet.connectUri config key or the NOSTRIT_WALLET_CONNECT_URI environment variable"

// Agent is the payment capability the job coordinator depends on.
type Agent interface {
	// Enable verifies the wallet connection is usable.
	Enable(ctx context.Context) error
	// SendPayment pays a bolt11 invoice and returns the payment preimage.
	SendPayment(ctx context.Context, invoice string) (string, error)
}
