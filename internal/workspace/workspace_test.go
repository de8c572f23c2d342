package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureWorkspaceFilesCreatesOnceAndSkipsAfter(t *testing.T) {
	root := t.TempDir()
	files := DefaultBootstrapFiles()

	result, err := EnsureWorkspaceFiles(root, files, false)
	require.NoError(t, err)
	assert.Len(t, result.Created, len(files))
	assert.Empty(t, result.Skipped)

	result, err = EnsureWorkspaceFiles(root, files, false)
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Len(t, result.Skipped, len(files))
}

func TestDailyLogAppendAndTail(t *testing.T) {
	root := t.TempDir()
	log := NewDailyLog(root)

	require.NoError(t, log.Append("first entry"))
	require.NoError(t, log.Append("second entry"))

	lines, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first entry")
	assert.Contains(t, lines[1], "second entry")
}

func TestDailyLogTailOnMissingFileIsEmpty(t *testing.T) {
	root := t.TempDir()
	log := NewDailyLog(root)

	lines, err := log.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestUncheckedItemsFiltersCheckedLines(t *testing.T) {
	root := t.TempDir()
	content := "- [ ] open item one\n- [x] done item\n- [ ] open item two\nnot a checklist line\n"
	path := filepath.Join(root, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	items, err := UncheckedItems(root, "HEARTBEAT.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"open item one", "open item two"}, items)
}

func TestContextGatherCombinesHeartbeatAndLog(t *testing.T) {
	root := t.TempDir()
	content := "- [ ] check the deploy\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "HEARTBEAT.md"), []byte(content), 0o644))

	c := NewContext(root, "HEARTBEAT.md")
	require.NoError(t, c.log.Append("did a thing"))

	out, err := c.Gather(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "check the deploy")
	assert.Contains(t, out, "did a thing")
}

func TestContextGatherEmptyWhenNothingToReport(t *testing.T) {
	root := t.TempDir()
	c := NewContext(root, "HEARTBEAT.md")

	out, err := c.Gather(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
