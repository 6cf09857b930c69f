package encryption

import (
	"context"

	"github.com/pkg/errors"
)

type LocalKeyManagerMasterKey *[32]byte

// LocalKeyManager seals data keys with an in-memory master key. Anyone who
// can read the process environment can recover the master key, so prefer an
// HSM-backed manager outside of development deployments.
type LocalKeyManager struct {
	masterKey *[32]byte
}

func NewLocalKeyManager(masterKey LocalKeyManagerMasterKey) *LocalKeyManager {
	return &LocalKeyManager{masterKey: masterKey}
}

// GenerateDataKey returns a fresh data key in both plain text and sealed
// form.
func (m *LocalKeyManager) GenerateDataKey(ctx context.Context) (dataKeyPlainText *[32]byte, dataKeyEncrypted []byte, err error) {
	plainText := newEncryptionKey()
	sealed, err := encrypt(plainText[:], m.masterKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error encrypting data key")
	}
	return plainText, sealed, nil
}

// DecryptDataKey unseals a previously generated data key.
func (m *LocalKeyManager) DecryptDataKey(ctx context.Context, dataKeyEncrypted []byte) (dataKeyPlainText *[32]byte, err error) {
	plainText, err := decrypt(dataKeyEncrypted, m.masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "error decrypting data key")
	}
	var dataKey [32]byte
	copy(dataKey[:], plainText)
	return &dataKey, nil
}
