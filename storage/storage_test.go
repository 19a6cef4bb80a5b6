package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBlobs(t *testing.T) *FileBlobs {
	t.Helper()
	b, err := NewFileBlobs(t.TempDir(), nil)
	require.NoError(t, err)
	return b
}

func TestFileBlobs_Container(t *testing.T) {
	b := newBlobs(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "Acme"))
	assert.ErrorIs(t, b.CreateContainer(ctx, "Acme"), ErrContainerExists)
	assert.ErrorIs(t, b.CreateContainer(ctx, "../x"), ErrInvalidPath)
}

func TestFileBlobs_SaveReadExists(t *testing.T) {
	b := newBlobs(t)
	ctx := context.Background()

	ok, err := b.Exists(ctx, "Acme", AOIPath)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Save(ctx, "Acme", AOIPath, []byte("v1"), false))
	ok, err = b.Exists(ctx, "Acme", AOIPath)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, b.Save(ctx, "Acme", AOIPath, []byte("v2"), false), ErrBlobExists)
	require.NoError(t, b.Save(ctx, "Acme", AOIPath, []byte("v3"), true))

	data, err := b.Read(ctx, "Acme", AOIPath)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(data))

	_, err = b.Read(ctx, "Acme", SitesPath)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFileBlobs_RejectsEscapingPaths(t *testing.T) {
	b := newBlobs(t)
	ctx := context.Background()

	for _, p := range []string{"", "../other/x", "/etc/passwd", "."} {
		err := b.Save(ctx, "Acme", p, []byte("x"), true)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
	}
}

func TestReadTaskLogs(t *testing.T) {
	b := newBlobs(t)
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "Acme", "tasklogs/t1/stdout.txt", []byte("hello"), false))

	logs, err := ReadTaskLogs(ctx, b, "Acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskLogs{StdOut: "hello"}, logs)

	logs, err = ReadTaskLogs(ctx, b, "Acme", "")
	require.NoError(t, err)
	assert.Equal(t, TaskLogs{}, logs)
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" READ ")
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, p)

	_, err = ParsePermission("delete")
	assert.Error(t, err)
}

func TestTokenLinker(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	l, err := NewTokenLinker("https://files.example.net/", "wavescape", []byte("0123456789abcdef"))
	require.NoError(t, err)
	l.now = func() time.Time { return now }

	link, err := l.Link(context.Background(), LinkRequest{
		SessionName: "Acme",
		Resource:    ResourceContainer,
		Permission:  PermissionReadWrite,
		TTL:         12 * time.Hour,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://files.example.net/container/Acme?token="))

	u, err := url.Parse(link)
	require.NoError(t, err)
	claims, err := l.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "Acme", claims.Subject)
	assert.Equal(t, ResourceContainer, claims.Resource)
	assert.Equal(t, PermissionReadWrite, claims.Permission)
	assert.Equal(t, now.Add(12*time.Hour).Unix(), claims.ExpiresAt.Unix())

	l.now = func() time.Time { return now.Add(13 * time.Hour) }
	_, err = l.Verify(u.Query().Get("token"))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenLinker_BlobLinkAndTampering(t *testing.T) {
	l, err := NewTokenLinker("https://files.example.net", "", []byte("0123456789abcdef"))
	require.NoError(t, err)

	link, err := l.Link(context.Background(), LinkRequest{
		SessionName: "Acme",
		Resource:    ResourceBlob,
		Path:        SitesPath,
		Permission:  PermissionRead,
		TTL:         15 * time.Minute,
	})
	require.NoError(t, err)
	assert.Contains(t, link, "/blob/Acme/setup/sites.geojson?token=")

	other, err := NewTokenLinker("https://files.example.net", "", []byte("fedcba9876543210"))
	require.NoError(t, err)
	u, _ := url.Parse(link)
	_, err = other.Verify(u.Query().Get("token"))
	assert.Error(t, err)

	_, err = l.Link(context.Background(), LinkRequest{SessionName: "Acme", Resource: ResourceBlob, TTL: time.Minute})
	assert.Error(t, err)
	_, err = l.Link(context.Background(), LinkRequest{SessionName: "Acme", Resource: ResourceTable})
	assert.Error(t, err)
}

func TestNewTokenLinker_Validation(t *testing.T) {
	_, err := NewTokenLinker("", "", []byte("0123456789abcdef"))
	assert.Error(t, err)
	_, err = NewTokenLinker("https://x", "", []byte("short"))
	assert.Error(t, err)
}
