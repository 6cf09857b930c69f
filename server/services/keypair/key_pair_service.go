package keypair

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// KeyPairService mints the ECDSA key pairs and self-signed certificates that
// anchor worker bearer-token authentication. The coordinator trusts every
// certificate in its worker JWT directory; the matching private key signs
// tokens whose kid header is the certificate's public key fingerprint.
type KeyPairService struct{}

func NewKeyPairService() *KeyPairService {
	return &KeyPairService{}
}

// WorkerCert is a freshly generated signing identity, PEM-encoded and ready
// to write to disk.
type WorkerCert struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	// KeyID is the sha256 fingerprint of the public key; tokens signed with
	// the private key must carry it as their kid header.
	KeyID string
}

// GenerateWorkerCert creates a self-signed ECDSA certificate whose
// organizational units carry the host tags workers authenticated by it may
// advertise. An empty tag list leaves the worker unbounded.
func (s *KeyPairService) GenerateWorkerCert(commonName string, allowedTags []string, validFor time.Duration) (*WorkerCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "error generating key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "error generating serial number")
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: allowedTags,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "error creating certificate")
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing created certificate")
	}
	fingerprint := sha256.Sum256(parsed.RawSubjectPublicKeyInfo)

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling private key")
	}
	return &WorkerCert{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		KeyID:          hex.EncodeToString(fingerprint[:]),
	}, nil
}

// MintWorkerToken signs a bearer token for the named worker with the given
// PEM private key. The token authenticates the worker until expiry; the
// coordinator creates the worker record on first use.
func (s *KeyPairService) MintWorkerToken(privateKeyPEM []byte, keyID string, workerName string, ttl time.Duration) (string, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return "", errors.New("no PEM block found in private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return "", errors.Wrap(err, "error parsing private key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"name": workerName,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	return signed, errors.Wrap(err, "error signing token")
}
