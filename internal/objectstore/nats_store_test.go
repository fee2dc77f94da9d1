// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/objectstore"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "upload-download")
	require.NoError(t, err)

	ctx := context.Background()
	key := "my-test-object"
	uploadData := []byte("hello world, this is a test")

	err = store.Upload(ctx, key, uploadData)
	require.NoError(t, err)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)

	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_UploadSupersedes(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "supersede")
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "object", []byte("first")))
	require.NoError(t, store.Upload(ctx, "object", []byte("second")))

	data, err := store.Download(ctx, "object")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
}

func TestNatsObjectStore_DeleteAndKeys(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "delete-keys")
	require.NoError(t, err)

	ctx := context.Background()

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, store.Upload(ctx, "a", []byte("1")))
	require.NoError(t, store.Upload(ctx, "b", []byte("2")))

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, store.Delete(ctx, "a"))

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	_, err = store.Download(ctx, "a")
	require.Error(t, err)
}

func TestNatsObjectStore_BindsToExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, first.Upload(ctx, "object", []byte("payload")))

	second, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)

	data, err := second.Download(ctx, "object")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}
