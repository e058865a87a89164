package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
)

func TestUploadKey(t *testing.T) {
	assert.Equal(t, "uploads/abc", UploadKey("abc"))
}

func TestS3StorePutGetDelete(t *testing.T) {
	client := NewMockS3Client()
	store := NewS3WithClient(client, "test-bucket")
	ctx := context.Background()

	key := UploadKey("u-1")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("file contents"), 13, "text/plain"))
	assert.True(t, client.PutCalled)

	reader, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "file contents", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	// Deleting a missing object is not an error.
	require.NoError(t, store.Delete(ctx, key))
}

func TestS3StorePing(t *testing.T) {
	client := NewMockS3Client()
	store := NewS3WithClient(client, "test-bucket")
	require.NoError(t, store.Ping(context.Background()))

	missing := NewS3WithClient(client, "missing-bucket")
	err := missing.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	client := NewMockS3Client()
	ctx := context.Background()

	require.NoError(t, EnsureBucket(ctx, client, "new-bucket"))
	assert.True(t, client.Buckets["new-bucket"])

	// Idempotent for an existing bucket.
	require.NoError(t, EnsureBucket(ctx, client, "new-bucket"))
}

func TestMemoryBlobStore(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", strings.NewReader("v"), 1, "text/plain"))
	assert.Equal(t, 1, store.Len())

	reader, err := store.Get(ctx, "k")
	require.NoError(t, err)
	data, _ := io.ReadAll(reader)
	assert.Equal(t, "v", string(data))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}
