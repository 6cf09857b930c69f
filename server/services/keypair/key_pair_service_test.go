package keypair

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/authentication"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/workers"
)

func TestGenerateWorkerCert_AuthenticatesEndToEnd(t *testing.T) {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	svc := NewKeyPairService()
	cert, err := svc.GenerateWorkerCert("fleet-ops", []string{"amd64", "arm64"}, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, cert.KeyID)
	assert.Contains(t, string(cert.CertificatePEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(cert.PrivateKeyPEM), "BEGIN EC PRIVATE KEY")

	certsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(certsDir, "fleet-ops.pem"), cert.CertificatePEM, 0644))

	token, err := svc.MintWorkerToken(cert.PrivateKeyPEM, cert.KeyID, "host-7", time.Hour)
	require.NoError(t, err)

	authService := authentication.NewAuthenticationService(db, clock.New(),
		workers.NewStore(db, logFactory), []byte("internal-key"), certsDir, logFactory)
	authenticated, err := authService.AuthenticateWorkerJWT(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, authenticated.Created)
	assert.Equal(t, models.ResourceName("host-7"), authenticated.Worker.Name)
	assert.True(t, authenticated.Worker.Enlisted)
	assert.Equal(t, "amd64,arm64", authenticated.Worker.AllowedTags)
}

func TestMintWorkerToken_RejectsGarbageKey(t *testing.T) {
	svc := NewKeyPairService()
	_, err := svc.MintWorkerToken([]byte("not a key"), "kid", "host-1", time.Hour)
	assert.Error(t, err)
}
