package objectstore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestPackAndExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"main.go":            "package main\n",
		"docs/readme.md":     "hello",
		"deep/nested/a.json": `{"k":"v"}`,
	})
	// Non-regular entries are skipped during packing.
	require.NoError(t, os.Symlink(filepath.Join(src, "main.go"), filepath.Join(src, "link.go")))

	var archive bytes.Buffer
	require.NoError(t, packTarGz(&archive, src))

	dest := t.TempDir()
	require.NoError(t, extractTarGz(bytes.NewReader(archive.Bytes()), dest))

	for name, want := range map[string]string{
		"main.go":            "package main\n",
		"docs/readme.md":     "hello",
		"deep/nested/a.json": `{"k":"v"}`,
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}

	_, err := os.Lstat(filepath.Join(dest, "link.go"))
	assert.True(t, os.IsNotExist(err), "symlinks are not packed")
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	evil := func(name string) []byte {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     4,
		}))
		_, err := tw.Write([]byte("boom"))
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())
		return buf.Bytes()
	}

	for _, name := range []string{"../escape.txt", "/etc/passwd", "ok/../../escape.txt"} {
		dest := t.TempDir()
		err := extractTarGz(bytes.NewReader(evil(name)), dest)
		require.Error(t, err, name)
	}
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "sneaky",
		Typeflag: tar.TypeSymlink,
		Linkname: "../../outside",
		Mode:     0o777,
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err := extractTarGz(bytes.NewReader(buf.Bytes()), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestSnapshotKeyLayout(t *testing.T) {
	at := time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)
	assert.Equal(t,
		"workspaces/reports/snapshot-20260825_101500.tar.gz",
		snapshotKey("reports", at),
	)
}

func TestArtifactKeyValidation(t *testing.T) {
	key, err := artifactKey("sess-1", "logs/build.txt")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/sess-1/logs/build.txt", key)

	for _, name := range []string{"", ".", "..", "../sibling", "/abs.txt", "a/../../b"} {
		_, err := artifactKey("sess-1", name)
		require.Error(t, err, name)
		assert.True(t, apperrors.IsBadRequest(err), name)
	}
}

func TestDisabledStore(t *testing.T) {
	store, err := New(config.StorageConfig{}, logger.Default())
	require.NoError(t, err)
	require.Nil(t, store)

	assert.False(t, store.Enabled())
	assert.NoError(t, store.EnsureBucket(context.Background()))
	assert.NoError(t, store.Ping(context.Background()))

	_, err = store.SnapshotWorkspace(context.Background(), "w", t.TempDir())
	assert.True(t, apperrors.IsUnavailable(err))
	_, err = store.ListSnapshots(context.Background(), "w")
	assert.True(t, apperrors.IsUnavailable(err))
	err = store.RestoreSnapshot(context.Background(), "k", t.TempDir())
	assert.True(t, apperrors.IsUnavailable(err))
	_, err = store.PutArtifact(context.Background(), "s", "a.txt", []byte("x"), "")
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New(config.StorageConfig{Endpoint: "http://"}, logger.Default())
	require.Error(t, err)
}

func TestNewParsesSchemeEndpoints(t *testing.T) {
	store, err := New(config.StorageConfig{
		Endpoint:  "https://minio.internal:9000",
		AccessKey: "ak",
		SecretKey: "sk",
		Bucket:    "agentdock",
	}, logger.Default())
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.True(t, store.Enabled())
}
