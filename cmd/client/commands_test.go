// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/qgisrepo/pkg/storage"
	"github.com/fawa-io/qgisrepo/service/plugin"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPushListDownloadCommands(t *testing.T) {
	h := &plugin.PluginServiceHandler{
		Store:   storage.NewDiskStoreFs(afero.NewMemMapFs()),
		HostURL: "http://repo.example.com/qgis",
	}
	srv := httptest.NewServer(plugin.NewRouter("/qgis", h))
	defer srv.Close()
	server := srv.URL + "/qgis"

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "foo.zip")
	infoPath := filepath.Join(dir, "plugin.json")
	require.NoError(t, os.WriteFile(zipPath, []byte("zip bytes"), 0o600))
	require.NoError(t, os.WriteFile(infoPath, []byte(`{"name":"Foo","version":"1.2","author_name":"Ann"}`), 0o600))

	out, err := run(t, "--server", server, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(no plugins)")

	out, err = run(t, "--server", server, "push", "foo", "--zip", zipPath, "--info", infoPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed foo (9 bytes)")

	out, err = run(t, "--server", server, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "foo")
	assert.Contains(t, out, "Foo")
	assert.Contains(t, out, "1.2")
	assert.Contains(t, out, "Ann")

	target := filepath.Join(dir, "downloaded.zip")
	out, err = run(t, "--server", server, "download", "foo", "-o", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved "+target)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(data))

	missing := filepath.Join(dir, "missing.zip")
	_, err = run(t, "--server", server, "download", "nope", "-o", missing)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, missing)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "failed download must not leave a temp file")
}

func TestCommandArgs(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"push without id", []string{"push", "--zip", "a", "--info", "b"}},
		{"push without flags", []string{"push", "foo"}},
		{"download without id", []string{"download"}},
		{"list with args", []string{"list", "extra"}},
		{"bad server url", []string{"--server", "localhost:3008", "list"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, tc.args...)
			assert.Error(t, err)
		})
	}
}

func TestServerFromEnv(t *testing.T) {
	t.Setenv("QGISREPO_SERVER", "ftp://nowhere")
	_, err := run(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme must be http or https")
}
