package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
)

type LocalBlobStoreDirectory string

func (d LocalBlobStoreDirectory) String() string {
	return string(d)
}

// LocalBlobStore maps blob keys onto files under a root directory. Key
// elements are query-escaped on disk so arbitrary artifact names stay inside
// the root. Keys always use forward slashes, matching the S3 store.
type LocalBlobStore struct {
	path string
}

func NewLocalBlobStore(path LocalBlobStoreDirectory) *LocalBlobStore {
	return &LocalBlobStore{path: string(path)}
}

func validateKey(key string) error {
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("error blob keys cannot begin with /")
	}
	return nil
}

// PutBlob writes all data in the source reader to the blob identified by
// key. The caller closes the reader.
func (s *LocalBlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	if err := validateKey(key); err != nil {
		return err
	}
	blobPath := s.makeBlobPath(key)
	err := os.MkdirAll(filepath.Dir(blobPath), 0700)
	if err != nil {
		return errors.Wrap(err, "error making blob directory")
	}
	blobFile, err := os.Create(blobPath)
	if err != nil {
		return errors.Wrapf(err, "error opening blob %s for writing", blobPath)
	}
	defer blobFile.Close()
	_, err = io.Copy(blobFile, source)
	if err != nil {
		return errors.Wrapf(err, "error writing data to blob %s", blobPath)
	}
	err = blobFile.Sync()
	if err != nil {
		return errors.Wrapf(err, "error syncing blob %s", blobPath)
	}
	return nil
}

// GetBlob returns a reader positioned at the beginning of the blob. The
// caller closes the reader. A missing blob is a NotFound gerror.
func (s *LocalBlobStore) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	blobPath := s.makeBlobPath(key)
	blobFile, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, errors.Wrapf(err, "error opening blob %s for reading", blobPath)
	}
	return blobFile, nil
}

// GetBlobRange returns a reader positioned at offset that reads up to length
// bytes; zero length reads to the end. Console tails use this.
func (s *LocalBlobStore) GetBlobRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	blobPath := s.makeBlobPath(key)
	blobFile, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, errors.Wrapf(err, "error opening blob %s for reading", blobPath)
	}
	if offset > 0 {
		_, err = blobFile.Seek(offset, io.SeekStart)
		if err != nil {
			return nil, errors.Wrapf(err, "error seeking blob %s to offset %v", blobPath, offset)
		}
	}
	if length > 0 {
		return NewLimitReaderCloser(blobFile, length), nil
	}
	return blobFile, nil
}

// DeleteBlob deletes a blob. Deleting a blob that does not exist is a no-op.
func (s *LocalBlobStore) DeleteBlob(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	blobPath := s.makeBlobPath(key)
	err := os.Remove(blobPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting blob %s: %w", blobPath, err)
	}
	return nil
}

// ListBlobs lists blobs under prefix in key order. Only forward (next)
// cursors are supported, matching what the S3 store can do.
func (s *LocalBlobStore) ListBlobs(ctx context.Context, prefix string, marker string, pagination models.Pagination) ([]*models.BlobDescriptor, *models.Cursor, error) {
	if err := validateKey(prefix); err != nil {
		return nil, nil, err
	}
	if pagination.Cursor != nil && pagination.Cursor.Direction != models.CursorDirectionNext {
		return nil, nil, fmt.Errorf("error only next markers are supported")
	}

	rootPath := s.makeBlobPath(filepath.Dir(prefix))
	_, err := os.Stat(rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("error stating root path: %w", err)
	}

	// Keys leave here slash-separated and unescaped; on disk they may be
	// backslash-separated and escaped.
	type entry struct {
		relPath string
		size    int64
	}
	var listing []entry
	err = filepath.Walk(rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.path, path)
		if err != nil {
			return fmt.Errorf("error getting relative path: %w", err)
		}
		unescaped, err := util.UnescapeFileName(rel)
		if err != nil {
			return fmt.Errorf("error unescaping path: %w", err)
		}
		listing = append(listing, entry{relPath: filepath.ToSlash(unescaped), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error during walk: %w", err)
	}

	resumeAfter := marker
	if pagination.Cursor != nil {
		resumeAfter = pagination.Cursor.Marker
	}
	var results []*models.BlobDescriptor
	for _, candidate := range listing {
		if !strings.HasPrefix(candidate.relPath, prefix) {
			continue
		}
		if resumeAfter != "" && resumeAfter >= candidate.relPath {
			continue
		}
		results = append(results, &models.BlobDescriptor{Key: candidate.relPath, SizeBytes: candidate.size})
		// read one past the limit so we know whether to return a cursor
		if len(results) >= pagination.Limit+1 {
			break
		}
	}

	var cursor *models.Cursor
	if len(results) > pagination.Limit {
		results = results[:pagination.Limit]
		cursor = &models.Cursor{
			Next: &models.DirectionalCursor{
				Direction: models.CursorDirectionNext,
				Marker:    results[len(results)-1].Key,
			},
		}
	}
	return results, cursor, nil
}

func (s *LocalBlobStore) makeBlobPath(key string) string {
	return filepath.Join(s.path, util.EscapeFileName(key))
}
