package services

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/store"
)

// BlobStore is an interface for storing and retrieving flat files.
type BlobStore interface {
	// PutBlob writes all data in the source reader to a blob identified by key.
	// The caller is responsible for closing the reader.
	PutBlob(ctx context.Context, key string, source io.Reader) error
	// GetBlob returns a reader positioned at the beginning of the blob identified by key.
	// The caller is responsible for closing the reader.
	GetBlob(ctx context.Context, key string) (io.ReadCloser, error)
	// GetBlobRange returns a reader positioned at the specified offset of the blob identified
	// by key, which will read up to length bytes. The caller is responsible for closing the reader.
	GetBlobRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns nil if the blob does not exist.
	DeleteBlob(ctx context.Context, key string) error
	// ListBlobs lists blobs matching prefix, starting at marker. Use cursor to page through results, if any.
	ListBlobs(ctx context.Context, prefix string, marker string, pagination models.Pagination) ([]*models.BlobDescriptor, *models.Cursor, error)
}

// BlobURLSigner is implemented by blob stores that can mint presigned URLs,
// letting workers upload and download artifacts without touching the API
// server. Callers should type-assert and fall back to streaming when the
// store does not implement it.
type BlobURLSigner interface {
	SignedGetURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
	SignedPutURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// EncryptionService encrypts and decrypts data using wrapped per-value data
// keys sealed by a master key.
type EncryptionService interface {
	Encrypt(ctx context.Context, plainTextData []byte) (encryptedData []byte, encryptedDataKey []byte, err error)
	Decrypt(ctx context.Context, encryptedData []byte, encryptedDataKey []byte) (plainTextData []byte, err error)
	// SealSecrets encrypts a secret map into a single self-contained blob.
	SealSecrets(ctx context.Context, secrets map[string]string) ([]byte, error)
	// OpenSecrets reverses SealSecrets. A nil blob yields an empty map.
	OpenSecrets(ctx context.Context, sealed []byte) (map[string]string, error)
}

// ArtifactService owns the build-scoped blob layout: project definitions,
// build params, run definitions, console logs and uploaded artifacts.
type ArtifactService interface {
	// SetProjectDefinition stores the expanded definition YAML for a build.
	SetProjectDefinition(ctx context.Context, project models.ResourceName, buildNumber int, raw []byte) error
	// GetProjectDefinition reads back the definition stored for a build.
	GetProjectDefinition(ctx context.Context, project models.ResourceName, buildNumber int) ([]byte, error)
	// SetBuildParams stores the parameter map a build was triggered with, for
	// use by chained triggers that fire on build completion.
	SetBuildParams(ctx context.Context, project models.ResourceName, buildNumber int, params map[string]string) error
	GetBuildParams(ctx context.Context, project models.ResourceName, buildNumber int) (map[string]string, error)
	// SetRunDefinition stores a run's resolved execution descriptor.
	SetRunDefinition(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, rundef *models.RunDef) error
	GetRunDefinition(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName) (*models.RunDef, error)
	// AppendConsole appends a chunk to the run's console log, creating it if absent.
	AppendConsole(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, chunk []byte) error
	// ReadConsole returns the console log from the given byte offset.
	// The caller is responsible for closing the reader.
	ReadConsole(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, offset int64) (io.ReadCloser, error)
	// ListArtifacts lists paths uploaded under a run, excluding the run
	// definition. Paths are relative to the run.
	ListArtifacts(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, pagination models.Pagination) ([]*models.BlobDescriptor, *models.Cursor, error)
	// GetArtifact opens one artifact for reading.
	GetArtifact(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, path string) (io.ReadCloser, error)
	// PutArtifact streams one artifact into the store.
	PutArtifact(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, path string, source io.Reader) error
	// SignedUploadURLs mints time-limited upload URLs for the named paths.
	SignedUploadURLs(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, paths []string, expiresIn time.Duration) (map[string]string, error)
}

// TriggerService materializes builds and their runs from a project definition.
type TriggerService interface {
	// TriggerBuild creates a new build for the project per the request. When
	// asyncCommit is true the run materialization is returned as a closure so
	// a webhook handler can reply before committing; otherwise the commit
	// function is nil and the work is already done.
	TriggerBuild(ctx context.Context, project *models.Project, req dto.TriggerBuild, asyncCommit bool) (*models.Build, dto.CommitFn, error)
	// TriggerRuns materializes the runs of one trigger entry into an existing
	// build. runNamesFmt, when non-empty, renames each run via its {name}
	// placeholder. parentType carries the originating trigger's type for the
	// trigger-upgrade rule; empty for top-level triggers.
	TriggerRuns(ctx context.Context, txOrNil *store.Tx, projdef *definition.ProjectDefinition, project *models.Project, build *models.Build, trigger *definition.TriggerDef, runNamesFmt string, params map[string]string, secrets map[string]string, parentType string, queuePriority int) error
}

// BuildService owns build-level operations above the entity store.
type BuildService interface {
	// Cancel moves every non-terminal run of the build to CANCELLING.
	Cancel(ctx context.Context, project *models.Project, build *models.Build) error
	// Promote names a completed build for long-term retention.
	// Fails with a validation error if the build is not yet complete.
	Promote(ctx context.Context, build *models.Build, promotion dto.Promotion) (*models.Build, error)
	// Annotate updates the build's annotation.
	Annotate(ctx context.Context, build *models.Build, annotation string) (*models.Build, error)
	// Latest returns the newest build, optionally filtered by trigger name,
	// promoted-only, and complete-only.
	Latest(ctx context.Context, project *models.Project, triggerName string, promotedOnly bool, completeOnly bool) (*models.Build, error)
	// CreateExternal records a build executed outside the worker fleet; all
	// of its runs are recorded PASSED.
	CreateExternal(ctx context.Context, project *models.Project, external dto.ExternalBuild) (*models.Build, error)
	// RefreshStatus recomputes the build's aggregate status from its runs,
	// under the build row lock. Returns the refreshed build.
	RefreshStatus(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID) (*models.Build, error)
}

// SurgeService reports which host tags are currently under surge; the
// monitor's queue sweep maintains the underlying markers.
type SurgeService interface {
	IsSurgeActive(tag string) bool
}

// DispatchService matches queued runs to polling workers.
type DispatchService interface {
	// CheckIn processes one worker poll: records capacity, applies the
	// admission gate, and atomically pops at most one matching queued run.
	// Returns nil when no work is assigned. baseURL is the scheme+host the
	// request arrived on, used to rewrite callback URLs in the rundef.
	CheckIn(ctx context.Context, worker *models.Worker, checkIn dto.WorkerCheckIn, baseURL string) (*dto.PoppedRun, error)
}

// RunService drives the run state machine from worker-reported events.
type RunService interface {
	// Update applies one worker update: console append, optional metadata,
	// optional status transition with build rollup and chained triggers.
	// Returns the run as it stands after the update.
	Update(ctx context.Context, project *models.Project, build *models.Build, run *models.Run, update dto.UpdateRun) (*models.Run, error)
	// SetStatus transitions a run, appending a run event and rolling the
	// parent build status up. Terminal statuses are absorbing.
	SetStatus(ctx context.Context, txOrNil *store.Tx, run *models.Run, status models.Status) (*models.Run, error)
	// Cancel requests cancellation of a single run: QUEUED runs fail
	// immediately, active ones move to CANCELLING.
	Cancel(ctx context.Context, run *models.Run) error
	// Rerun deletes the run's tests and requeues it.
	Rerun(ctx context.Context, run *models.Run) error
	// UpsertTest creates or updates a test (and its results) under a run.
	UpsertTest(ctx context.Context, run *models.Run, create dto.CreateTest) (*models.Test, error)
}

// AuthenticatedWorker is the result of a successful worker authentication.
type AuthenticatedWorker struct {
	Worker *models.Worker
	// Created is true when a bearer JWT auto-created the worker record.
	Created bool
}

// AuthenticationService implements the three credential schemes of the trust
// model: the internal HMAC for privileged calls, per-worker API keys or
// signed bearer tokens, and per-run API keys.
type AuthenticationService interface {
	// SignInternalRequest adds X-Time and X-JobServ-Sig headers to an
	// outbound privileged request.
	SignInternalRequest(req *http.Request)
	// VerifyInternalSignature checks the X-Time/X-JobServ-Sig pair on an
	// inbound privileged request.
	VerifyInternalSignature(method string, baseURL string, xTime string, signature string) error
	// AuthenticateWorkerToken resolves and verifies a worker by name and
	// plaintext API key.
	AuthenticateWorkerToken(ctx context.Context, name models.ResourceName, key string) (*models.Worker, error)
	// AuthenticateWorkerJWT verifies a bearer token, auto-creating an
	// enlisted worker on first contact.
	AuthenticateWorkerJWT(ctx context.Context, token string) (*AuthenticatedWorker, error)
	// AuthenticateRunToken verifies a run-scoped credential. Completed runs
	// are rejected.
	AuthenticateRunToken(ctx context.Context, run *models.Run, key string) error
	// VerifyWebhookSignature checks an X-Hub-Signature style sha1 HMAC over
	// the raw request body.
	VerifyWebhookSignature(secret string, body []byte, signatureHeader string) error
}

// NotificationService delivers human- and machine-facing notices.
type NotificationService interface {
	// NotifySurgeStarted announces a surge for a host tag and returns a
	// message id recorded in the surge marker.
	NotifySurgeStarted(ctx context.Context, tag string, queued int) (string, error)
	// NotifySurgeEnded announces the end of a surge previously started with
	// the given message id.
	NotifySurgeEnded(ctx context.Context, tag string, messageID string) error
	// NotifyBuildCompleteEmail emails a build summary to users (comma list).
	NotifyBuildCompleteEmail(ctx context.Context, project *models.Project, build *models.Build, users string) error
	// NotifyBuildCompleteWebhook POSTs a signed build summary to url.
	NotifyBuildCompleteWebhook(ctx context.Context, project *models.Project, build *models.Build, url string, secret string) error
	// NotifyRunStuck reports a run forcibly failed by the stuck sweep.
	NotifyRunStuck(ctx context.Context, project models.ResourceName, buildNumber int, run *models.Run) error
}
