package authentication

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/workers"
)

type fixture struct {
	ctx     context.Context
	svc     *AuthenticationService
	workers store.WorkerStore
	certDir string
}

func newFixture(t *testing.T) *fixture {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	workerStore := workers.NewStore(db, logFactory)
	certDir := t.TempDir()
	svc := NewAuthenticationService(db, clock.New(), workerStore, []byte("internal-key"), certDir, logFactory)

	return &fixture{
		ctx:     context.Background(),
		svc:     svc,
		workers: workerStore,
		certDir: certDir,
	}
}

// writeSigningCert creates a self-signed ES256 certificate carrying the given
// OU attributes, writes it to the cert directory, and returns the private key
// and the key id workers must put in their token's kid header.
func writeSigningCert(t *testing.T, dir string, ous []string) (*ecdsa.PrivateKey, string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         "jobserv.test",
			OrganizationalUnit: ous,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signer.pem"), pemData, 0644))

	keyID := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return key, hex.EncodeToString(keyID[:])
}

func signWorkerJWT(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestInternalSignature_RoundTrip(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest("POST", "http://api.test/projects/widget/builds/", nil)
	require.NoError(t, err)
	f.svc.SignInternalRequest(req)

	err = f.svc.VerifyInternalSignature("POST", "http://api.test/projects/widget/builds/",
		req.Header.Get("X-Time"), req.Header.Get("X-JobServ-Sig"))
	require.NoError(t, err)

	// A different method invalidates the signature.
	err = f.svc.VerifyInternalSignature("DELETE", "http://api.test/projects/widget/builds/",
		req.Header.Get("X-Time"), req.Header.Get("X-JobServ-Sig"))
	require.True(t, gerror.IsUnauthorized(err))

	err = f.svc.VerifyInternalSignature("POST", "http://api.test/projects/widget/builds/", "", "")
	require.True(t, gerror.IsUnauthorized(err))
}

func TestAuthenticateWorkerToken(t *testing.T) {
	f := newFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("host-key"), bcrypt.DefaultCost)
	require.NoError(t, err)
	worker := models.NewWorker(models.NewTime(time.Now()), "worker-1", "alpine",
		8*1024*1024*1024, 4, "x86_64", 2, []string{"amd64"}, string(hash))
	worker.Enlisted = true
	require.NoError(t, f.workers.Create(f.ctx, nil, worker))

	authenticated, err := f.svc.AuthenticateWorkerToken(f.ctx, "worker-1", "host-key")
	require.NoError(t, err)
	assert.Equal(t, worker.ID, authenticated.ID)

	_, err = f.svc.AuthenticateWorkerToken(f.ctx, "worker-1", "wrong-key")
	require.True(t, gerror.IsUnauthorized(err))

	_, err = f.svc.AuthenticateWorkerToken(f.ctx, "no-such-worker", "host-key")
	require.True(t, gerror.IsNotFound(err))
}

func TestAuthenticateWorkerJWT_AutoCreates(t *testing.T) {
	f := newFixture(t)
	key, kid := writeSigningCert(t, f.certDir, []string{"amd64", "arm64"})

	token := signWorkerJWT(t, key, kid, jwt.MapClaims{
		"name": "worker-9",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	authenticated, err := f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.NoError(t, err)
	assert.True(t, authenticated.Created)
	assert.True(t, authenticated.Worker.Enlisted)
	assert.Equal(t, models.ResourceName("worker-9"), authenticated.Worker.Name)
	assert.Equal(t, []string{"amd64", "arm64"}, authenticated.Worker.AllowedTagList())

	// Second contact resolves the existing worker.
	authenticated, err = f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.NoError(t, err)
	assert.False(t, authenticated.Created)
}

func TestAuthenticateWorkerJWT_Rejections(t *testing.T) {
	f := newFixture(t)
	key, kid := writeSigningCert(t, f.certDir, nil)

	// Missing kid header.
	token := signWorkerJWT(t, key, "", jwt.MapClaims{
		"name": "worker-9",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	_, err := f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.True(t, gerror.IsUnauthorized(err))

	// Missing name claim.
	token = signWorkerJWT(t, key, kid, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.True(t, gerror.IsUnauthorized(err))

	// Missing exp claim.
	token = signWorkerJWT(t, key, kid, jwt.MapClaims{
		"name": "worker-9",
	})
	_, err = f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.True(t, gerror.IsUnauthorized(err))

	// Expired token.
	token = signWorkerJWT(t, key, kid, jwt.MapClaims{
		"name": "worker-9",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	_, err = f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.True(t, gerror.IsUnauthorized(err))

	// Signed by an untrusted key.
	rogue, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token = signWorkerJWT(t, rogue, kid, jwt.MapClaims{
		"name": "worker-9",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	_, err = f.svc.AuthenticateWorkerJWT(f.ctx, token)
	require.True(t, gerror.IsUnauthorized(err))
}

func TestAuthenticateRunToken(t *testing.T) {
	f := newFixture(t)
	apiKey := util.RandAlphaString(32)
	run := &models.Run{APIKey: apiKey, Status: models.StatusRunning}

	require.NoError(t, f.svc.AuthenticateRunToken(f.ctx, run, apiKey))

	err := f.svc.AuthenticateRunToken(f.ctx, run, "wrong")
	require.True(t, gerror.IsUnauthorized(err))

	run.Status = models.StatusPassed
	err = f.svc.AuthenticateRunToken(f.ctx, run, apiKey)
	require.True(t, gerror.IsUnauthorized(err))
	assert.Contains(t, err.Error(), "Run has already completed")
}

func TestVerifyWebhookSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"opened"}`)

	err := f.svc.VerifyWebhookSignature("hook-secret", body, "")
	require.True(t, gerror.IsNotFound(err))

	err = f.svc.VerifyWebhookSignature("hook-secret", body, "sha1=deadbeef")
	require.True(t, gerror.IsForbidden(err))

	// Sign the body the way GitHub does.
	mac := hmac.New(sha1.New, []byte("hook-secret"))
	mac.Write(body)
	valid := "sha1=" + hex.EncodeToString(mac.Sum(nil))
	require.NoError(t, f.svc.VerifyWebhookSignature("hook-secret", body, valid))
}
