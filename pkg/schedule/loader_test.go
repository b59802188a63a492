// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package schedule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nightlySpecYAML = `
name: Nightly analysis
cron: "0 2 * * *"
skipIfRunning: true
goal:
  description: summarize overnight alerts
  strategy: research
`

func writeSpecFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loaderFixture(t *testing.T, hotReload bool) (*schedFixture, string) {
	t.Helper()
	dir := t.TempDir()
	f := newSchedFixture(t, Config{
		SpecDir:        dir,
		HotReload:      hotReload,
		RescanInterval: time.Hour, // watcher-driven only
	})
	return f, dir
}

func TestScanLoadsSpecFiles(t *testing.T) {
	f, dir := loaderFixture(t, false)
	writeSpecFile(t, dir, "nightly.yaml", nightlySpecYAML)
	writeSpecFile(t, dir, "explicit.yml", `
id: weekly-report
cron: "0 6 * * 1"
workflow:
  id: wf-report
`)

	require.NoError(t, f.sched.Rescan(context.Background()))

	ids := f.sched.List()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, "weekly-report")

	// The file without an id gets one derived from its path.
	var derived string
	for _, id := range ids {
		if id != "weekly-report" {
			derived = id
		}
	}
	assert.True(t, strings.HasPrefix(derived, "nightly-"), "derived id %q", derived)

	spec, err := f.sched.Get(derived)
	require.NoError(t, err)
	assert.True(t, spec.SkipIfRunning)
	assert.Equal(t, filepath.Join(dir, "nightly.yaml"), spec.Source)
}

func TestScanReloadsChangedFile(t *testing.T) {
	f, dir := loaderFixture(t, false)
	ctx := context.Background()
	writeSpecFile(t, dir, "nightly.yaml", "id: nightly\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")
	require.NoError(t, f.sched.Rescan(ctx))

	// Unchanged content is a no-op rescan.
	require.NoError(t, f.sched.Rescan(ctx))
	spec, err := f.sched.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", spec.Cron)

	writeSpecFile(t, dir, "nightly.yaml", "id: nightly\ncron: \"0 3 * * *\"\ngoal:\n  description: x\n")
	require.NoError(t, f.sched.Rescan(ctx))
	spec, err = f.sched.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", spec.Cron)
}

func TestScanRemovesDeletedFile(t *testing.T) {
	f, dir := loaderFixture(t, false)
	ctx := context.Background()
	path := writeSpecFile(t, dir, "nightly.yaml", "id: nightly\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")
	require.NoError(t, f.sched.Rescan(ctx))
	require.Contains(t, f.sched.List(), "nightly")

	require.NoError(t, os.Remove(path))
	require.NoError(t, f.sched.Rescan(ctx))
	_, err := f.sched.Get("nightly")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanHandlesIDChange(t *testing.T) {
	f, dir := loaderFixture(t, false)
	ctx := context.Background()
	writeSpecFile(t, dir, "job.yaml", "id: old-name\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")
	require.NoError(t, f.sched.Rescan(ctx))

	writeSpecFile(t, dir, "job.yaml", "id: new-name\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")
	require.NoError(t, f.sched.Rescan(ctx))

	_, err := f.sched.Get("old-name")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.sched.Get("new-name")
	assert.NoError(t, err)
}

func TestScanSkipsInvalidFiles(t *testing.T) {
	f, dir := loaderFixture(t, false)
	writeSpecFile(t, dir, "broken.yaml", "cron: [not: valid")
	writeSpecFile(t, dir, "badcron.yaml", "id: bad\ncron: \"whenever\"\ngoal:\n  description: x\n")
	writeSpecFile(t, dir, "ok.yaml", "id: ok\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")

	require.NoError(t, f.sched.Rescan(context.Background()))
	assert.Equal(t, []string{"ok"}, f.sched.List())
}

func TestIDFromPathIsStable(t *testing.T) {
	a := idFromPath("/etc/hive/schedules/nightly.yaml")
	b := idFromPath("/etc/hive/schedules/nightly.yaml")
	c := idFromPath("/srv/other/nightly.yaml")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "same basename in different dirs stays distinct")
	assert.True(t, strings.HasPrefix(a, "nightly-"))
}

func TestHotReloadPicksUpNewFile(t *testing.T) {
	f, dir := loaderFixture(t, true)
	require.NoError(t, f.sched.Start(context.Background()))
	require.Empty(t, f.sched.List())

	writeSpecFile(t, dir, "late.yaml", "id: late\ncron: \"0 2 * * *\"\ngoal:\n  description: x\n")

	require.Eventually(t, func() bool {
		_, err := f.sched.Get("late")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
