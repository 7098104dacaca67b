package blobs3

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	store, err := New(context.Background(), Config{
		Endpoint:        ts.Listener.Addr().String(),
		Bucket:          "aerogramme-test",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UseSSL:          false,
	})
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "op/abc", []byte("hello")))

	data, err := store.Get(ctx, "op/abc")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "op/does-not-exist")
	require.True(t, errors.Is(err, aeroerr.ErrNotFound))
}

func TestDeleteThenList(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "mail/1", []byte("a")))
	require.NoError(t, store.Put(ctx, "mail/2", []byte("b")))

	keys, err := store.List(ctx, "mail/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"mail/1", "mail/2"}, keys)

	require.NoError(t, store.Delete(ctx, "mail/1"))

	keys, err = store.List(ctx, "mail/")
	require.NoError(t, err)
	require.Equal(t, []string{"mail/2"}, keys)
}
