package factory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/objstore/app/config"
	"github.com/umputun/objstore/app/engine"
	"github.com/umputun/objstore/app/model"
)

func TestFactory_Build(t *testing.T) {
	dir := t.TempDir()
	f := New(config.New(config.WithDir(dir), config.WithFilename("users"), config.WithObjects(model.Types()...)))
	defer f.Close()

	h, err := f.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Add(engine.UpdateModified, &model.Item{ID: 1, Value: "v"}))
	require.NoError(t, h.CommitWrite())

	_, err = os.Stat(filepath.Join(dir, "users.db"))
	require.NoError(t, err, "file location derived from filename")

	h2, err := f.Build(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h, h2, "fresh handle per build")
	n, err := h2.Count("Item")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "users", f.Config().Filename)
}

func TestFactory_InitError(t *testing.T) {
	f := New(config.New(config.WithInMemoryIdentifier(uuid.NewString())))
	_, err := f.Build(context.Background())
	require.Error(t, err)
	var initErr *EngineInitError
	require.True(t, errors.As(err, &initErr))
	assert.Contains(t, initErr.Path, "memory:")

	// schema mismatch without migration permission
	dir := t.TempDir()
	cfg := config.New(config.WithDir(dir), config.WithObjects(model.Types()...), config.WithSchemaVersion(2))
	f = New(cfg)
	_, err = f.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f = New(config.New(config.WithDir(dir), config.WithObjects(model.Types()...), config.WithSchemaVersion(1)))
	_, err = f.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrSchemaMismatch)
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "file:"+filepath.Join(dir, config.DefaultFilename), initErr.Path)
}

func TestOptions(t *testing.T) {
	cfg := config.New(config.WithInMemoryIdentifier("m"), config.WithSchemaVersion(4),
		config.WithFilesizeToCompact(5), config.WithObjects(model.Types()...))
	opts := Options(cfg)
	assert.Equal(t, "m", opts.InMemoryID)
	assert.Empty(t, opts.Path)
	assert.Equal(t, uint64(4), opts.SchemaVersion)
	assert.NotNil(t, opts.ShouldCompact)
	assert.Len(t, opts.Types, 3)
	assert.Equal(t, 3, opts.BusyRetries)
}
