package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services"
)

const (
	projectDefinitionFile = "project.yml"
	buildParamsFile       = "params.json"
	runDefinitionFile     = ".rundef.json"
	// ConsoleLogFile is the well-known name of a run's console log artifact.
	ConsoleLogFile = "console.log"
)

// ArtifactService implements the build-scoped blob layout over a BlobStore:
// <project>/<build>/project.yml, params.json, and per-run directories holding
// .rundef.json, console.log and uploaded artifacts. Transient storage errors
// are retried with a short backoff before being surfaced.
type ArtifactService struct {
	blobStore services.BlobStore
	logger.Log
}

func NewArtifactService(blobStore services.BlobStore, logFactory logger.LogFactory) *ArtifactService {
	return &ArtifactService{
		blobStore: blobStore,
		Log:       logFactory("ArtifactService"),
	}
}

var retryBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}

// withRetry runs fn, retrying on error with bounded backoff. NotFound is
// returned immediately; it is an answer, not an outage.
func (s *ArtifactService) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || gerror.IsNotFound(err) {
			return err
		}
		if attempt >= len(retryBackoff) {
			break
		}
		s.Warnf("Retrying %s after error: %v", op, err)
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return gerror.NewErrStorageUnavailable(fmt.Sprintf("error in %s", op), err)
}

func buildPrefix(project models.ResourceName, buildNumber int) string {
	return fmt.Sprintf("%s/%d", project, buildNumber)
}

func runPrefix(project models.ResourceName, buildNumber int, run models.ResourceName) string {
	return fmt.Sprintf("%s/%d/%s", project, buildNumber, run)
}

func (s *ArtifactService) putBytes(ctx context.Context, key string, data []byte) error {
	return s.withRetry(ctx, "put "+key, func() error {
		return s.blobStore.PutBlob(ctx, key, bytes.NewReader(data))
	})
}

func (s *ArtifactService) getBytes(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "get "+key, func() error {
		reader, err := s.blobStore.GetBlob(ctx, key)
		if err != nil {
			return err
		}
		defer reader.Close()
		data, err = ioutil.ReadAll(reader)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetProjectDefinition stores the expanded definition YAML for a build.
func (s *ArtifactService) SetProjectDefinition(ctx context.Context, project models.ResourceName, buildNumber int, raw []byte) error {
	return s.putBytes(ctx, path.Join(buildPrefix(project, buildNumber), projectDefinitionFile), raw)
}

// GetProjectDefinition reads back the definition stored for a build.
func (s *ArtifactService) GetProjectDefinition(ctx context.Context, project models.ResourceName, buildNumber int) ([]byte, error) {
	return s.getBytes(ctx, path.Join(buildPrefix(project, buildNumber), projectDefinitionFile))
}

// SetBuildParams stores the parameter map a build was triggered with.
func (s *ArtifactService) SetBuildParams(ctx context.Context, project models.ResourceName, buildNumber int, params map[string]string) error {
	data, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "error marshalling build params")
	}
	return s.putBytes(ctx, path.Join(buildPrefix(project, buildNumber), buildParamsFile), data)
}

func (s *ArtifactService) GetBuildParams(ctx context.Context, project models.ResourceName, buildNumber int) (map[string]string, error) {
	data, err := s.getBytes(ctx, path.Join(buildPrefix(project, buildNumber), buildParamsFile))
	if err != nil {
		return nil, err
	}
	params := map[string]string{}
	err = json.Unmarshal(data, &params)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshalling build params")
	}
	return params, nil
}

// SetRunDefinition stores a run's resolved execution descriptor.
func (s *ArtifactService) SetRunDefinition(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, rundef *models.RunDef) error {
	data, err := json.MarshalIndent(rundef, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error marshalling run definition")
	}
	return s.putBytes(ctx, path.Join(runPrefix(project, buildNumber, run), runDefinitionFile), data)
}

func (s *ArtifactService) GetRunDefinition(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName) (*models.RunDef, error) {
	data, err := s.getBytes(ctx, path.Join(runPrefix(project, buildNumber, run), runDefinitionFile))
	if err != nil {
		return nil, err
	}
	rundef := &models.RunDef{}
	err = json.Unmarshal(data, rundef)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshalling run definition")
	}
	return rundef, nil
}

// AppendConsole appends a chunk to the run's console log, creating it if
// absent. The blob store has no append primitive, so this is a read-extend-
// write; run updates for a given run arrive serially from its worker.
func (s *ArtifactService) AppendConsole(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	key := path.Join(runPrefix(project, buildNumber, run), ConsoleLogFile)
	existing, err := s.getBytes(ctx, key)
	if err != nil && !gerror.IsNotFound(err) {
		return err
	}
	return s.putBytes(ctx, key, append(existing, chunk...))
}

// ReadConsole returns the console log from the given byte offset.
func (s *ArtifactService) ReadConsole(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, offset int64) (io.ReadCloser, error) {
	key := path.Join(runPrefix(project, buildNumber, run), ConsoleLogFile)
	if offset > 0 {
		return s.blobStore.GetBlobRange(ctx, key, offset, 0)
	}
	return s.blobStore.GetBlob(ctx, key)
}

// ListArtifacts lists paths uploaded under a run, excluding the run
// definition. Paths are relative to the run.
func (s *ArtifactService) ListArtifacts(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, pagination models.Pagination) ([]*models.BlobDescriptor, *models.Cursor, error) {
	prefix := runPrefix(project, buildNumber, run) + "/"
	blobs, cursor, err := s.blobStore.ListBlobs(ctx, prefix, "", pagination)
	if err != nil {
		return nil, nil, err
	}
	var results []*models.BlobDescriptor
	for _, blob := range blobs {
		rel := strings.TrimPrefix(blob.Key, prefix)
		if rel == runDefinitionFile {
			continue
		}
		results = append(results, &models.BlobDescriptor{Key: rel, SizeBytes: blob.SizeBytes})
	}
	return results, cursor, nil
}

// GetArtifact opens one artifact for reading.
func (s *ArtifactService) GetArtifact(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, artifactPath string) (io.ReadCloser, error) {
	return s.blobStore.GetBlob(ctx, path.Join(runPrefix(project, buildNumber, run), artifactPath))
}

// PutArtifact streams one artifact into the store.
func (s *ArtifactService) PutArtifact(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, artifactPath string, source io.Reader) error {
	return s.blobStore.PutBlob(ctx, path.Join(runPrefix(project, buildNumber, run), artifactPath), source)
}

// SignedUploadURLs mints time-limited upload URLs for the named paths. When
// the underlying store cannot presign (the local filesystem store), the
// returned map is empty and the caller should accept direct uploads instead.
func (s *ArtifactService) SignedUploadURLs(ctx context.Context, project models.ResourceName, buildNumber int, run models.ResourceName, paths []string, expiresIn time.Duration) (map[string]string, error) {
	urls := make(map[string]string, len(paths))
	signer, ok := s.blobStore.(services.BlobURLSigner)
	if !ok {
		return urls, nil
	}
	for _, p := range paths {
		url, err := signer.SignedPutURL(ctx, path.Join(runPrefix(project, buildNumber, run), p), expiresIn)
		if err != nil {
			return nil, err
		}
		urls[p] = url
	}
	return urls, nil
}
