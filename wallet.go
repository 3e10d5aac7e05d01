package remittance

import (
	"context"
)

// Wallet provides the local identity. Key derivation and transaction building for settlements
// happen behind the module interface, so the engine only ever needs the public identity key.
type Wallet interface {
	IdentityPublicKey(ctx context.Context) (string, error)
}
