package encryption

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/logger"
)

// awsKeySpec yields 32-byte data keys, matching what the local manager and
// the AES-GCM sealer expect.
const awsKeySpec = "AES_256"

type AWSKeyManagerConfig struct {
	Region          string
	MasterKeyID     string
	AccessKeyID     string
	SecretAccessKey string
}

// AWSKeyManager seals data keys with an Amazon KMS master key. The master
// key never leaves KMS.
type AWSKeyManager struct {
	kms    *kms.KMS
	config AWSKeyManagerConfig
	log    logger.Log
}

func NewAWSKeyManager(config AWSKeyManagerConfig, logFactory logger.LogFactory) (*AWSKeyManager, error) {
	if config.MasterKeyID == "" {
		return nil, fmt.Errorf("MasterKeyID must be specified")
	}
	log := logFactory("AWSKMSKeyManager")
	cfg := &aws.Config{}
	log.Infof("Using MasterKeyID: %s", config.MasterKeyID)
	if config.Region != "" {
		log.Infof("Using region: %s", config.Region)
		cfg = cfg.WithRegion(config.Region)
	} else {
		log.Info("Using default region")
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		log.Infof("Using static credentials: %s", config.AccessKeyID)
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, ""))
	} else {
		log.Infof("Using default credentials")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	return &AWSKeyManager{
		kms:    kms.New(sess),
		config: config,
		log:    log,
	}, nil
}

// GenerateDataKey returns a fresh data key in both plain text and sealed
// form.
func (m *AWSKeyManager) GenerateDataKey(ctx context.Context) (dataKeyPlainText *[32]byte, dataKeyEncrypted []byte, err error) {
	result, err := m.kms.GenerateDataKeyWithContext(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.MasterKeyID),
		KeySpec: aws.String(awsKeySpec),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "error generating data key")
	}
	if len(result.Plaintext) != 32 {
		panic("plain text data key is not 32 bytes")
	}
	var dataKey [32]byte
	copy(dataKey[:], result.Plaintext)
	return &dataKey, result.CiphertextBlob, nil
}

// DecryptDataKey unseals a previously generated data key.
func (m *AWSKeyManager) DecryptDataKey(ctx context.Context, dataKeyEncrypted []byte) (dataKeyPlainText *[32]byte, err error) {
	result, err := m.kms.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:          aws.String(m.config.MasterKeyID),
		CiphertextBlob: dataKeyEncrypted,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error decrypting data key")
	}
	if len(result.Plaintext) != 32 {
		panic("plain text data key is not 32 bytes")
	}
	var dataKey [32]byte
	copy(dataKey[:], result.Plaintext)
	return &dataKey, nil
}
