package backend_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hydrocam/collector/internal/backend"
	"github.com/hydrocam/collector/internal/backend/s3test"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "minioadmin"
	SecretAccessKey = "minioadmin"

	testKey = "2024/August/image_capture_2024-08-09_14-30-00.jpg"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "image_capture_2024-08-09_14-30-00.jpg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileMD5(t *testing.T) {
	t.Parallel()

	digest, err := backend.FileMD5(writeFile(t, "hello"))
	require.NoError(t, err)
	require.Equal(t, backend.Digest("5d41402abc4b2a76b9719d911017c592"), digest)

	_, err = backend.FileMD5(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseETag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		etag    string
		want    backend.Digest
		invalid bool
	}{
		{etag: `"5d41402abc4b2a76b9719d911017c592"`, want: "5d41402abc4b2a76b9719d911017c592"},
		{etag: `5D41402ABC4B2A76B9719D911017C592`, want: "5d41402abc4b2a76b9719d911017c592"},
		{etag: `W/"5d41402abc4b2a76b9719d911017c592"`, want: "5d41402abc4b2a76b9719d911017c592"},
		{etag: `"5d41402abc4b2a76b9719d911017c592-3"`, invalid: true},
		{etag: `"zz41402abc4b2a76b9719d911017c592"`, invalid: true},
		{etag: ``, invalid: true},
	}

	for _, tc := range tests {
		got, err := backend.ParseETag(tc.etag)
		if tc.invalid {
			require.ErrorIsf(t, err, backend.ErrInvalidDigest, "etag %q", tc.etag)
			continue
		}
		require.NoErrorf(t, err, "etag %q", tc.etag)
		require.Equal(t, tc.want, got)
	}
}

func TestFilesystemPutAndDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs, err := backend.NewFilesystem("nas", root)
	require.NoError(t, err)
	require.Equal(t, "nas", fs.Name())

	src := writeFile(t, "frame bytes")
	want, err := backend.FileMD5(src)
	require.NoError(t, err)

	digest, err := fs.Put(t.Context(), src, "images", testKey)
	require.NoError(t, err)
	require.Equal(t, want, digest)

	stored := filepath.Join(root, "images", "2024", "August", "image_capture_2024-08-09_14-30-00.jpg")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	require.Equal(t, "frame bytes", string(data))

	// Overwriting replaces the object.
	require.NoError(t, os.WriteFile(src, []byte("new bytes"), 0o644))
	_, err = fs.Put(t.Context(), src, "images", testKey)
	require.NoError(t, err)
	data, err = os.ReadFile(stored)
	require.NoError(t, err)
	require.Equal(t, "new bytes", string(data))

	entries, err := os.ReadDir(filepath.Dir(stored))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, fs.Delete(t.Context(), "images", testKey))
	_, err = os.Stat(stored)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, fs.Delete(t.Context(), "images", testKey), "deleting a missing object succeeds")
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	fs, err := backend.NewFilesystem("nas", t.TempDir())
	require.NoError(t, err)

	src := writeFile(t, "x")
	_, err = fs.Put(t.Context(), src, "images", "../../etc/passwd")
	require.Error(t, err)

	_, err = fs.Put(t.Context(), src, "..", testKey)
	require.Error(t, err)
}

func TestFilesystemRequiresMountedRoot(t *testing.T) {
	t.Parallel()

	_, err := backend.NewFilesystem("nas", filepath.Join(t.TempDir(), "not-mounted"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = backend.NewFilesystem("nas", "")
	require.Error(t, err)

	file := writeFile(t, "x")
	_, err = backend.NewFilesystem("nas", file)
	require.Error(t, err)
}

func TestFilesystemPutHonoursCancellation(t *testing.T) {
	t.Parallel()

	fs, err := backend.NewFilesystem("nas", t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err = fs.Put(ctx, writeFile(t, "x"), "images", testKey)
	require.ErrorIs(t, err, context.Canceled)
}

// remoteBackends builds every S3-family adapter against the same test server.
func remoteBackends(t *testing.T, srv *s3test.Server) []backend.Backend {
	t.Helper()
	return remoteBackendsAs(t, srv, AccessKeyID)
}

func remoteBackendsAs(t *testing.T, srv *s3test.Server, accessKey string) []backend.Backend {
	t.Helper()

	cfg := backend.Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		PathStyle: true,
		AccessKey: accessKey,
		SecretKey: SecretAccessKey,
	}

	minioCfg := cfg
	minioCfg.Name = "gcs"
	minioCfg.Type = backend.TypeMinio
	mc, err := backend.New(t.Context(), minioCfg)
	require.NoError(t, err, "creating minio backend")

	s3Cfg := cfg
	s3Cfg.Name = "aws"
	s3Cfg.Type = backend.TypeS3
	sc, err := backend.New(t.Context(), s3Cfg)
	require.NoError(t, err, "creating s3 backend")

	return []backend.Backend{mc, sc}
}

func TestRemotePutReportsStoredDigest(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "images")
	src := writeFile(t, "frame bytes")
	want, err := backend.FileMD5(src)
	require.NoError(t, err)

	for _, b := range remoteBackends(t, srv) {
		digest, err := b.Put(t.Context(), src, "images", testKey)
		require.NoErrorf(t, err, "%s put", b.Name())
		require.Equalf(t, want, digest, "%s digest", b.Name())

		data, ok := srv.Object("images", testKey)
		require.True(t, ok)
		require.Equal(t, "frame bytes", string(data))
	}

	require.Equal(t, 2, srv.Puts("images", testKey))
}

func TestRemotePutDetectsServerSideCorruption(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "images")
	src := writeFile(t, "frame bytes")
	want, err := backend.FileMD5(src)
	require.NoError(t, err)

	for _, b := range remoteBackends(t, srv) {
		srv.CorruptPuts(1)

		digest, err := b.Put(t.Context(), src, "images", testKey)
		require.NoErrorf(t, err, "%s put", b.Name())
		require.NotEqualf(t, want, digest, "%s must report the digest of what was stored", b.Name())
	}
}

func TestRemotePutFailure(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "images")
	src := writeFile(t, "frame bytes")

	for _, b := range remoteBackends(t, srv) {
		srv.FailPuts(1)

		_, err := b.Put(t.Context(), src, "images", testKey)
		require.Errorf(t, err, "%s put", b.Name())
	}

	for _, b := range remoteBackends(t, srv) {
		_, err := b.Put(t.Context(), src, "missing-bucket", testKey)
		require.Errorf(t, err, "%s put to missing bucket", b.Name())
	}

	require.Zero(t, srv.Puts("images", testKey))
}

func TestRemoteRejectsUnknownAccessKey(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "images")
	srv.RequireAccessKey(AccessKeyID)
	src := writeFile(t, "frame bytes")

	for _, b := range remoteBackendsAs(t, srv, "someone-else") {
		_, err := b.Put(t.Context(), src, "images", testKey)
		require.Errorf(t, err, "%s put with a foreign key", b.Name())
	}
	require.Zero(t, srv.Puts("images", testKey))

	for _, b := range remoteBackends(t, srv) {
		_, err := b.Put(t.Context(), src, "images", testKey)
		require.NoErrorf(t, err, "%s put", b.Name())
	}
	require.Equal(t, 2, srv.Puts("images", testKey))
}

func TestRemoteDelete(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "images")
	src := writeFile(t, "frame bytes")

	for _, b := range remoteBackends(t, srv) {
		_, err := b.Put(t.Context(), src, "images", testKey)
		require.NoError(t, err)

		require.NoErrorf(t, b.Delete(t.Context(), "images", testKey), "%s delete", b.Name())

		_, ok := srv.Object("images", testKey)
		require.Falsef(t, ok, "%s object should be gone", b.Name())
	}

	require.Equal(t, 2, srv.Deletes("images", testKey))
}

func TestNewRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := backend.New(t.Context(), backend.Config{Name: "x", Type: "ftp"})
	require.ErrorIs(t, err, backend.ErrUnknownType)

	_, err = backend.New(t.Context(), backend.Config{Type: backend.TypeFilesystem, Root: t.TempDir()})
	require.Error(t, err, "name is required")

	_, err = backend.New(t.Context(), backend.Config{Name: "gcs", Type: backend.TypeMinio})
	require.Error(t, err, "minio needs an endpoint")

	b, err := backend.New(t.Context(), backend.Config{Name: "nas", Type: backend.TypeFilesystem, Root: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "nas", b.Name())
}
