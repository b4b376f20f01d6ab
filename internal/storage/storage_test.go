package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s ImageStore, prefix string) []string {
	t.Helper()
	var keys []string
	for obj, err := range s.ListByPrefix(context.Background(), prefix) {
		require.NoError(t, err)
		keys = append(keys, obj.Key)
	}
	return keys
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s ImageStore) {
	ctx := context.Background()

	data, err := s.Get(ctx, "pets/dogs/p1/original.jpg")
	require.NoError(t, err)
	assert.Nil(t, data)

	info, err := s.Head(ctx, "pets/dogs/p1/original.jpg")
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, s.Put(ctx, "pets/dogs/p1/original.jpg", []byte("jpeg-v1"), "image/jpeg", map[string]string{"pet-id": "p1"}))
	require.NoError(t, s.Put(ctx, "pets/dogs/p1/optimized.webp", []byte("webp"), "image/webp", nil))
	require.NoError(t, s.Put(ctx, "pets/dogs/p2/original.jpg", []byte("other"), "image/jpeg", nil))
	require.NoError(t, s.Put(ctx, "pets/cats/c1/original.jpg", []byte("cat"), "image/jpeg", nil))

	// overwrite is whole-object
	require.NoError(t, s.Put(ctx, "pets/dogs/p1/original.jpg", []byte("jpeg-v2!"), "image/jpeg", nil))

	data, err = s.Get(ctx, "pets/dogs/p1/original.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-v2!"), data)

	info, err = s.Head(ctx, "pets/dogs/p1/original.jpg")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(8), info.Size)
	assert.False(t, info.LastModified.IsZero())

	assert.ElementsMatch(t,
		[]string{"pets/dogs/p1/optimized.webp", "pets/dogs/p1/original.jpg"},
		collect(t, s, "pets/dogs/p1/"))
	assert.Len(t, collect(t, s, "pets/dogs/"), 3)
	assert.Empty(t, collect(t, s, "pets/birds/"))

	_, err = s.Get(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.Put(ctx, "", nil, "", nil), ErrInvalidKey)
}

func TestFilesystemStorage(t *testing.T) {
	s, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)

	info, err := s.Head(context.Background(), "pets/dogs/p1/optimized.webp")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", info.ContentType)
}

func TestBadgerStorage(t *testing.T) {
	s, err := NewBadgerStorage("", true)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestS3Storage(t *testing.T) {
	fake := newFakeS3()
	s := &S3Storage{client: fake, bucket: "pets"}
	exerciseStore(t, s)

	obj := fake.objects["pets/dogs/p1/original.jpg"]
	assert.Equal(t, "image/jpeg", obj.contentType)
}

func TestS3Storage_ListPages(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	s := &S3Storage{client: fake, bucket: "pets"}
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "a/3", "a/4", "a/5"} {
		require.NoError(t, s.Put(ctx, k, []byte(k), "text/plain", nil))
	}

	assert.Equal(t, []string{"a/1", "a/2", "a/3", "a/4", "a/5"}, collect(t, s, "a/"))
	assert.GreaterOrEqual(t, fake.listCalls, 3)

	// stopping early does not fetch further pages
	fake.listCalls = 0
	for range s.ListByPrefix(ctx, "a/") {
		break
	}
	assert.Equal(t, 1, fake.listCalls)
}
