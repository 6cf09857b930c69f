package blob

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/services"
)

func TestLocalStore(t *testing.T) {
	store := NewLocalBlobStore(LocalBlobStoreDirectory(t.TempDir()))
	t.Run("RoundTrip/Local", testBlobRoundTrip(store))
	t.Run("ListBlobs/Local", testListBlobs(store))
}

func TestS3BlobStoreIntegration(t *testing.T) {
	t.Skip("Skipping S3 blob store integration test")

	if testing.Short() {
		t.Skip("Skipping S3 blob store integration test")
	}

	logRegistry, err := logger.NewLogRegistry("")
	assert.Nil(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)
	s3, err := NewS3BlobStore(S3BlobStoreConfig{
		BucketName: "jobserv-integration-test",
		Region:     "us-west-2",
	}, logFactory)
	assert.Nil(t, err)
	t.Run("ListBlobs/S3", testListBlobs(s3))
}

func testBlobRoundTrip(store services.BlobStore) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := makeTestKey("proj/build-1/run-1/console.log")

		err := store.PutBlob(ctx, key, bytes.NewBufferString("hello jobserv"))
		require.Nil(t, err)

		reader, err := store.GetBlob(ctx, key)
		require.Nil(t, err)
		defer reader.Close()
		data, err := ioutil.ReadAll(reader)
		require.Nil(t, err)
		require.Equal(t, "hello jobserv", string(data))

		require.Nil(t, store.DeleteBlob(ctx, key))
	}
}

func testListBlobs(store services.BlobStore) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		skipIfAWSCredentialsNotFound(t, ctx, store)

		keys := []string{
			makeTestKey("foo/1"),
			makeTestKey("foo/2"),
			makeTestKey("foo/3"),
			makeTestKey("foo/bar/1"),
			makeTestKey("foo/bar/2"),
			makeTestKey("foo/bar/3"),
		}
		for _, key := range keys {
			require.Nil(t, store.PutBlob(ctx, key, bytes.NewBuffer([]byte{1})))
		}

		// Three pages of two; the final page comes back without a cursor.
		var cursorNext *models.DirectionalCursor
		for page := 0; page < 3; page++ {
			blobs, cursor, err := store.ListBlobs(ctx, makeTestKey("foo/"), "", models.Pagination{Limit: 2, Cursor: cursorNext})
			require.Nil(t, err)
			require.Len(t, blobs, 2)
			if page < 2 {
				require.NotNil(t, cursor)
				cursorNext = cursor.Next
			} else {
				require.Nil(t, cursor)
			}
		}

		for _, key := range keys {
			require.Nil(t, store.DeleteBlob(ctx, key))
		}
	}
}

var (
	keyPrefix string
	once      sync.Once
)

// makeTestKey prefixes keys with a per-process timestamp so concurrent test
// runs against a shared bucket cannot collide.
func makeTestKey(key string) string {
	once.Do(func() {
		timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
		keyPrefix = fmt.Sprintf("%s-%s/", timestamp, util.RandAlphaString(10))
	})
	return keyPrefix + key
}

func skipIfAWSCredentialsNotFound(t *testing.T, ctx context.Context, store services.BlobStore) {
	pingKey := makeTestKey("ping")
	err := store.PutBlob(ctx, pingKey, bytes.NewBuffer([]byte{1}))
	if err != nil && (strings.Contains(err.Error(), "EnvAccessKeyNotFound") ||
		strings.Contains(err.Error(), "SharedCredsLoad") ||
		strings.Contains(err.Error(), "NoCredentialProviders") ||
		strings.Contains(err.Error(), "InvalidAccessKeyId")) {
		t.Skip("Skipping S3 test as no AWS credentials found")
	}
	require.Nil(t, store.DeleteBlob(ctx, pingKey))
}
