package encryption

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// EncryptionService provides public functions for securely encrypting and decrypting data
// using a KeyManager.
type EncryptionService struct {
	keyManager KeyManager
}

// NewEncryptionService creates an EncryptionService configured to source keys from the provided KeyManager.
func NewEncryptionService(keyManager KeyManager) *EncryptionService {
	return &EncryptionService{
		keyManager: keyManager,
	}
}

// Encrypt plainTextData using the configured KeyManager.
func (e *EncryptionService) Encrypt(ctx context.Context, plainTextData []byte) (encryptedData []byte, encryptedDataKey []byte, err error) {
	dataKeyPlainText, dataKeyEncrypted, err := e.keyManager.GenerateDataKey(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error generating data key")
	}
	dataEncrypted, err := encrypt(plainTextData, dataKeyPlainText)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error encrypting data")
	}
	return dataEncrypted, dataKeyEncrypted, nil
}

// Decrypt the encrypted data using the configured KeyManager.
func (e *EncryptionService) Decrypt(ctx context.Context, encryptedData []byte, encryptedDataKey []byte) (plainTextData []byte, err error) {
	dataKeyPlainText, err := e.keyManager.DecryptDataKey(ctx, encryptedDataKey)
	if err != nil {
		return nil, errors.Wrap(err, "error decrypting data key")
	}
	plainTextData, err = decrypt(encryptedData, dataKeyPlainText)
	if err != nil {
		return nil, errors.Wrap(err, "error decrypting data")
	}
	return plainTextData, nil
}

// sealedEnvelope bundles a wrapped data key together with the data it
// encrypts, so the pair can live in a single database column.
type sealedEnvelope struct {
	EncryptedDataKey []byte `json:"encrypted_data_key"`
	EncryptedData    []byte `json:"encrypted_data"`
}

// SealSecrets encrypts a secret map into a self-contained blob suitable for
// storage in a trigger's secret data column.
func (e *EncryptionService) SealSecrets(ctx context.Context, secrets map[string]string) ([]byte, error) {
	plainText, err := json.Marshal(secrets)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling secrets")
	}
	encryptedData, encryptedDataKey, err := e.Encrypt(ctx, plainText)
	if err != nil {
		return nil, err
	}
	sealed, err := json.Marshal(&sealedEnvelope{
		EncryptedDataKey: encryptedDataKey,
		EncryptedData:    encryptedData,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling envelope")
	}
	return sealed, nil
}

// OpenSecrets decrypts a blob previously produced by SealSecrets.
// A nil or empty blob yields an empty map.
func (e *EncryptionService) OpenSecrets(ctx context.Context, sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return map[string]string{}, nil
	}
	var envelope sealedEnvelope
	err := json.Unmarshal(sealed, &envelope)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshalling envelope")
	}
	plainText, err := e.Decrypt(ctx, envelope.EncryptedData, envelope.EncryptedDataKey)
	if err != nil {
		return nil, err
	}
	secrets := map[string]string{}
	err = json.Unmarshal(plainText, &secrets)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshalling secrets")
	}
	return secrets, nil
}
