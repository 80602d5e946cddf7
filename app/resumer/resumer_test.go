package resumer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumer_OnStart(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "resumer"), true)

	s, err := r.OnStart("cycle 1, save 10")
	require.NoError(t, err)
	assert.Equal(t, ".task", filepath.Ext(s))

	data, err := os.ReadFile(s) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Equal(t, "cycle 1, save 10", string(data))
}

func TestResumer_OnFinish(t *testing.T) {
	r := New(t.TempDir(), true)

	s, err := r.OnStart("cycle 1, save 10")
	require.NoError(t, err)
	require.NoError(t, r.OnFinish(s))

	_, err = os.Stat(s)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, r.OnFinish(s), "already removed")
	assert.NoError(t, r.OnFinish(""))
}

func TestResumer_List(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, true)

	for _, name := range []string{"task 1", "task 2", "task 3"} {
		_, err := r.OnStart(name)
		require.NoError(t, err)
	}
	old := filepath.Join(dir, "0-0.task")
	require.NoError(t, os.WriteFile(old, []byte("old task"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("ignored"), 0o600))

	res := r.List()
	require.Len(t, res, 4)
	assert.Equal(t, "old task", res[0].Name)
	assert.Equal(t, []string{"task 1", "task 2", "task 3"}, []string{res[1].Name, res[2].Name, res[3].Name})

	tm := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(old, tm, tm))
	res = r.List()
	assert.Len(t, res, 3)
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "old file removed")

	r.enabled = false
	assert.Empty(t, r.List())
}

func TestResumer_Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "none")
	r := New(dir, false)
	s, err := r.OnStart("task")
	require.NoError(t, err)
	assert.Empty(t, s)
	assert.NoError(t, r.OnFinish(s))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "enabled:false, location:"+dir, r.String())
}
