package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name string
	args []string
}

func fakeRunner(calls *[]recordedCall) CmdRunner {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return exec.CommandContext(ctx, "true")
	}
}

func TestCreateNewBranchUsesDashB(t *testing.T) {
	var calls []recordedCall
	m := New("/repo", fakeRunner(&calls))

	require.NoError(t, m.Create(context.Background(), "feat/issue-1", "/work/issue-1", true))

	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].args, "-b")
	assert.Contains(t, calls[0].args, "feat/issue-1")
}

func TestCreateExistingBranchOmitsDashB(t *testing.T) {
	var calls []recordedCall
	m := New("/repo", fakeRunner(&calls))

	require.NoError(t, m.Create(context.Background(), "feat/issue-1", "/work/issue-1", false))

	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].args, "-b")
}

func TestEnsureSkipsCreateWhenPathExists(t *testing.T) {
	dir := t.TempDir()
	var calls []recordedCall
	m := New("/repo", fakeRunner(&calls))

	require.NoError(t, m.Ensure(context.Background(), "feat/issue-1", dir))
	assert.Empty(t, calls)
}

func TestEnsureRecreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	var calls []recordedCall
	m := New("/repo", fakeRunner(&calls))

	require.NoError(t, m.Ensure(context.Background(), "feat/issue-1", dir))
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].args, dir)
}

func TestRemoveSkipsWhenAlreadyGone(t *testing.T) {
	var calls []recordedCall
	m := New("/repo", fakeRunner(&calls))

	require.NoError(t, m.Remove(context.Background(), "/does/not/exist"))
	assert.Empty(t, calls)
}

func TestExistsDetectsDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, Exists(dir))
	assert.False(t, Exists(filepath.Join(dir, "nope")))

	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	assert.False(t, Exists(f))
}
