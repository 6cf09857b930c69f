package encryption

import (
	"context"
)

const (
	AWSKeyManagerType   KeyManagerID = "AWS_KMS"
	LocalKeyManagerType KeyManagerID = "LOCAL"
)

type KeyManagerID string

func (id KeyManagerID) String() string {
	return string(id)
}

func KeyManagerIDs() []string {
	return []string{AWSKeyManagerType.String(), LocalKeyManagerType.String()}
}

// KeyManager issues and unseals the per-value data keys used for envelope
// encryption of trigger secrets. The master key never leaves the manager.
type KeyManager interface {
	// GenerateDataKey returns a fresh data key in both plain text and
	// sealed form. Only the sealed form is persisted.
	GenerateDataKey(ctx context.Context) (dataKeyPlainText *[32]byte, dataKeyEncrypted []byte, err error)
	// DecryptDataKey unseals a previously generated data key.
	DecryptDataKey(ctx context.Context, dataKeyEncrypted []byte) (dataKeyPlainText *[32]byte, err error)
}
