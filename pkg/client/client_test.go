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

package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/qgisrepo/pkg/storage"
	"github.com/fawa-io/qgisrepo/service/plugin"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := &plugin.PluginServiceHandler{
		Store:        storage.NewDiskStoreFs(afero.NewMemMapFs()),
		HostURL:      "http://repo.example.com/qgis",
		MaxBodyBytes: 1 << 20,
	}
	srv := httptest.NewServer(plugin.NewRouter("/qgis", h))
	t.Cleanup(srv.Close)
	return srv
}

func TestPushListDownload(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(srv.URL + "/qgis/")
	require.NoError(t, err)
	ctx := context.Background()

	plugins, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, plugins)

	archive := []byte("PK\x03\x04 archive")
	meta := storage.Metadata{"name": "Foo", "version": "1.0"}
	require.NoError(t, c.Push(ctx, "foo", archive, meta))

	plugins, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "foo", plugins[0].ID)
	assert.Equal(t, "1.0", plugins[0].Metadata.String(storage.KeyVersion))

	var buf bytes.Buffer
	n, err := c.Download(ctx, "foo", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(archive)), n)
	assert.Equal(t, archive, buf.Bytes())
}

func TestErrors(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(srv.URL + "/qgis")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("download missing plugin", func(t *testing.T) {
		_, err := c.Download(ctx, "nope", &bytes.Buffer{})
		require.ErrorIs(t, err, storage.ErrNotFound)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Equal(t, "Plugin not found.", se.Body)
	})

	t.Run("push empty archive", func(t *testing.T) {
		err := c.Push(ctx, "foo", nil, storage.Metadata{"name": "Foo"})
		require.ErrorIs(t, err, storage.ErrBadRequest)
	})

	t.Run("push invalid id", func(t *testing.T) {
		err := c.Push(ctx, "../foo", []byte("zip"), storage.Metadata{})
		require.ErrorIs(t, err, storage.ErrBadRequest)
	})

	t.Run("server error", func(t *testing.T) {
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Failed", http.StatusInternalServerError)
		}))
		defer broken.Close()

		bc, err := New(broken.URL)
		require.NoError(t, err)
		_, err = bc.List(ctx)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.Code)
		assert.NotErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestNew(t *testing.T) {
	testCases := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"http", "http://localhost:3008/qgis", false},
		{"https", "https://repo.example.com", false},
		{"no scheme", "localhost:3008", true},
		{"ftp", "ftp://repo.example.com", true},
		{"unparsable", "http://[::1", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.baseURL)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPluginURLEscapesID(t *testing.T) {
	c, err := New("http://localhost/qgis/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/qgis/plugins/my%20plugin", c.pluginURL("my plugin"))
}

func TestPercentIDRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(srv.URL + "/qgis")
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"50%off", "a%41", "my plugin"} {
		t.Run(id, func(t *testing.T) {
			require.NoError(t, c.Push(ctx, id, []byte("zip of "+id), storage.Metadata{"name": id}))

			plugins, err := c.List(ctx)
			require.NoError(t, err)
			found := false
			for _, p := range plugins {
				found = found || p.ID == id
			}
			assert.True(t, found, "pushed id %q missing from catalog", id)

			var buf bytes.Buffer
			_, err = c.Download(ctx, id, &buf)
			require.NoError(t, err)
			assert.Equal(t, "zip of "+id, buf.String())
		})
	}
}
