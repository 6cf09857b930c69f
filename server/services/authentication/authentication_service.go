package authentication

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/store"
)

// workerCert is one trusted worker signing certificate, keyed by the sha256
// of its SubjectPublicKeyInfo. The certificate's OU attributes become the
// worker's allowed tags.
type workerCert struct {
	publicKey   *ecdsa.PublicKey
	allowedTags []string
}

// AuthenticationService implements the three credential schemes of the trust
// model: an HMAC shared secret for privileged operator calls, per-worker API
// keys or signed bearer tokens, and per-run API keys.
type AuthenticationService struct {
	db             *store.DB
	clk            clock.Clock
	workerStore    store.WorkerStore
	internalAPIKey []byte
	jwtCertsDir    string

	certsMu sync.Mutex
	certs   map[string]*workerCert
	logger.Log
}

func NewAuthenticationService(
	db *store.DB,
	clk clock.Clock,
	workerStore store.WorkerStore,
	internalAPIKey []byte,
	jwtCertsDir string,
	logFactory logger.LogFactory,
) *AuthenticationService {
	return &AuthenticationService{
		db:             db,
		clk:            clk,
		workerStore:    workerStore,
		internalAPIKey: internalAPIKey,
		jwtCertsDir:    jwtCertsDir,
		Log:            logFactory("AuthenticationService"),
	}
}

// SignInternalRequest adds the X-Time and X-JobServ-Sig headers to an
// outbound privileged request.
func (s *AuthenticationService) SignInternalRequest(req *http.Request) {
	ts := strconv.FormatInt(s.clk.Now().Unix(), 10)
	req.Header.Set("X-Time", ts)
	req.Header.Set("X-JobServ-Sig", s.computeSignature(req.Method, ts, baseURL(req)))
}

// VerifyInternalSignature checks the X-Time/X-JobServ-Sig pair on an inbound
// privileged request. baseURL is the request URL without its query string.
func (s *AuthenticationService) VerifyInternalSignature(method string, baseURL string, xTime string, signature string) error {
	if len(s.internalAPIKey) == 0 {
		return gerror.NewErrInternal().Wrap(errors.New("no internal API key configured"))
	}
	if signature == "" {
		return gerror.NewErrUnauthorized("X-JobServ-Sig not provided")
	}
	if xTime == "" {
		return gerror.NewErrUnauthorized("X-Time not provided")
	}
	computed := s.computeSignature(method, xTime, baseURL)
	if !hmac.Equal([]byte(signature), []byte(computed)) {
		return gerror.NewErrUnauthorized("Invalid signature")
	}
	return nil
}

func (s *AuthenticationService) computeSignature(method, xTime, baseURL string) string {
	mac := hmac.New(sha1.New, s.internalAPIKey)
	fmt.Fprintf(mac, "%s,%s,%s", method, xTime, baseURL)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthenticateWorkerToken resolves and verifies a worker by name and
// plaintext API key.
func (s *AuthenticationService) AuthenticateWorkerToken(ctx context.Context, name models.ResourceName, key string) (*models.Worker, error) {
	worker, err := s.workerStore.ReadByName(ctx, nil, name)
	if err != nil {
		return nil, err
	}
	if worker.DeletedAt != nil {
		return nil, gerror.NewErrNotFound("Worker not found")
	}
	err = bcrypt.CompareHashAndPassword([]byte(worker.APIKeyHash), []byte(key))
	if err != nil {
		return nil, gerror.NewErrUnauthorized("Incorrect API key for host")
	}
	return worker, nil
}

// AuthenticateWorkerJWT verifies a bearer token against the trusted signing
// certificates. A worker seen for the first time is auto-created enlisted
// with placeholder hardware fields; its first check-in fills them in.
func (s *AuthenticationService) AuthenticateWorkerJWT(ctx context.Context, tokenStr string) (*services.AuthenticatedWorker, error) {
	name, allowedTags, err := s.verifyWorkerJWT(tokenStr)
	if err != nil {
		return nil, gerror.NewErrUnauthorized(err.Error()).Wrap(err)
	}
	var result *services.AuthenticatedWorker
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		now := models.NewTime(s.clk.Now())
		blank := models.NewWorker(now, name, "?", 1, 1, "?", 1, nil, "")
		blank.Enlisted = true
		blank.AllowedTags = strings.Join(allowedTags, ",")
		worker, created, err := s.workerStore.FindOrCreate(ctx, tx, blank)
		if err != nil {
			return errors.Wrap(err, "error resolving worker")
		}
		if !created && worker.AllowedTags != blank.AllowedTags {
			worker.AllowedTags = blank.AllowedTags
			err = s.workerStore.Update(ctx, tx, worker)
			if err != nil {
				return errors.Wrap(err, "error updating worker allowed tags")
			}
		}
		result = &services.AuthenticatedWorker{Worker: worker, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AuthenticationService) verifyWorkerJWT(tokenStr string) (models.ResourceName, []string, error) {
	var cert *workerCert
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("error unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token is missing required kid header")
		}
		var err error
		cert, err = s.certForKeyID(kid)
		if err != nil {
			return nil, err
		}
		return cert.publicKey, nil
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "error parsing worker JWT")
	}
	if _, ok := claims["exp"]; !ok {
		return "", nil, errors.New("token is missing required exp claim")
	}
	nameClaim, _ := claims["name"].(string)
	if nameClaim == "" {
		return "", nil, errors.New("token is missing required name claim")
	}
	name := models.ResourceName(nameClaim)
	err = name.Validate()
	if err != nil {
		return "", nil, errors.Wrap(err, "error validating worker name claim")
	}
	return name, cert.allowedTags, nil
}

// AuthenticateRunToken verifies a run-scoped credential. A completed run no
// longer accepts its key; a worker retrying after completion gets a clean 401.
func (s *AuthenticationService) AuthenticateRunToken(ctx context.Context, run *models.Run, key string) error {
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(run.APIKey)) != 1 {
		return gerror.NewErrUnauthorized("Incorrect API key")
	}
	if run.Complete() {
		return gerror.NewErrUnauthorized("Run has already completed")
	}
	return nil
}

// VerifyWebhookSignature checks an X-Hub-Signature style sha1 HMAC over the
// raw request body.
func (s *AuthenticationService) VerifyWebhookSignature(secret string, body []byte, signatureHeader string) error {
	if !strings.HasPrefix(signatureHeader, "sha1=") {
		return gerror.NewErrNotFound("Missing or invalid X-Hub-Signature header")
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signatureHeader[len("sha1="):]), []byte(computed)) {
		return gerror.NewErrForbidden("Invalid X-Hub-Signature")
	}
	return nil
}

// certForKeyID resolves a signing certificate by key id, reloading the
// certificate directory on a miss so new certs are picked up without a
// restart.
func (s *AuthenticationService) certForKeyID(kid string) (*workerCert, error) {
	s.certsMu.Lock()
	defer s.certsMu.Unlock()
	if cert, ok := s.certs[kid]; ok {
		return cert, nil
	}
	err := s.loadCertsLocked()
	if err != nil {
		return nil, err
	}
	cert, ok := s.certs[kid]
	if !ok {
		return nil, fmt.Errorf("no certificate found with id %s", kid)
	}
	return cert, nil
}

func (s *AuthenticationService) loadCertsLocked() error {
	s.certs = make(map[string]*workerCert)
	entries, err := os.ReadDir(s.jwtCertsDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.Infof("No worker JWT certificates defined")
			return nil
		}
		return errors.Wrap(err, "error reading worker JWT certificate directory")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.jwtCertsDir, entry.Name())
		cert, err := loadCertificate(path)
		if err != nil {
			s.Errorf("Unable to read %s: %v", entry.Name(), err)
			continue
		}
		keyID := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			s.Errorf("Unable to use %s: not an ECDSA certificate", entry.Name())
			continue
		}
		s.certs[hex.EncodeToString(keyID[:])] = &workerCert{
			publicKey:   publicKey,
			allowedTags: cert.Subject.OrganizationalUnit,
		}
	}
	return nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func baseURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
