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

package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fawa-io/qgisrepo/pkg/catalog"
	"github.com/fawa-io/qgisrepo/pkg/fwlog"
	"github.com/fawa-io/qgisrepo/pkg/middleware"
	"github.com/fawa-io/qgisrepo/pkg/storage"
)

// Response bodies. They never carry internal error details.
const (
	msgNotFound     = "Plugin not found."
	msgMissingData  = "Missing data in payload"
	msgBadRequest   = "Bad Request"
	msgUpsertFailed = "Error"
	msgListFailed   = "Failed"
)

// PluginServiceHandler serves the plugin catalog, archive downloads and
// plugin uploads on top of a storage.Store.
type PluginServiceHandler struct {
	Store storage.Store
	// Counter is optional; nil disables download counting.
	Counter storage.Counter
	// HostURL is the public base URL used in download links.
	HostURL string
	// MaxBodyBytes limits upload bodies; zero or less means no limit.
	MaxBodyBytes int64
}

// upsertRequest is the PUT body: a base64 zip and the plugin.json object.
type upsertRequest struct {
	Zip  string          `json:"zip"`
	Info json.RawMessage `json:"info"`
}

func (h *PluginServiceHandler) counter() storage.Counter {
	if h.Counter == nil {
		return storage.NopCounter{}
	}
	return h.Counter
}

// CatalogXML handles GET /plugins.xml.
func (h *PluginServiceHandler) CatalogXML(w http.ResponseWriter, r *http.Request) {
	plugins, ok := h.list(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	opts := catalog.Options{
		HostURL:   h.HostURL,
		Downloads: h.downloads(r.Context(), plugins),
	}
	if err := catalog.RenderXML(&buf, plugins, opts); err != nil {
		h.fail(w, r, http.StatusInternalServerError, msgListFailed, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(buf.Bytes())
}

// CatalogJSON handles GET /plugins.json.
func (h *PluginServiceHandler) CatalogJSON(w http.ResponseWriter, r *http.Request) {
	plugins, ok := h.list(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := catalog.RenderJSON(&buf, plugins); err != nil {
		h.fail(w, r, http.StatusInternalServerError, msgListFailed, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (h *PluginServiceHandler) list(w http.ResponseWriter, r *http.Request) ([]storage.Plugin, bool) {
	plugins, err := h.Store.List(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, msgListFailed, err)
		return nil, false
	}
	return catalog.Filter(plugins, r.URL.Query().Get("qgis")), true
}

// downloads returns nil when counting is disabled or unavailable; the
// catalog is still served.
func (h *PluginServiceHandler) downloads(ctx context.Context, plugins []storage.Plugin) map[string]int64 {
	counts, err := h.counter().Counts(ctx, catalog.IDs(plugins))
	if err != nil {
		fwlog.Warnf("rid=%s failed to read download counters: %v", middleware.RequestIDFromContext(ctx), err)
		return nil
	}
	return counts
}

// Download handles GET and HEAD /plugins/{id}. Only GET is counted.
func (h *PluginServiceHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := pluginID(r)
	if err != nil {
		h.fail(w, r, http.StatusNotFound, msgNotFound, err)
		return
	}

	rc, err := h.Store.Open(r.Context(), id)
	if err != nil {
		h.fail(w, r, http.StatusNotFound, msgNotFound, err)
		return
	}
	defer func() {
		if err := rc.Close(); err != nil {
			fwlog.Errorf("Failed to close archive of %s: %v", id, err)
		}
	}()

	if r.Method == http.MethodGet {
		if err := h.counter().Incr(r.Context(), id); err != nil {
			fwlog.Warnf("rid=%s failed to count download of %s: %v", middleware.RequestIDFromContext(r.Context()), id, err)
		}
	}

	fileName := storage.Plugin{ID: id}.FileName()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, fileName))

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, fileName, time.Time{}, rs)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		fwlog.Warnf("rid=%s streaming %s aborted: %v", middleware.RequestIDFromContext(r.Context()), id, err)
	}
}

// Upsert handles PUT /plugins/{id}.
func (h *PluginServiceHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id, err := pluginID(r)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, msgBadRequest, err)
		return
	}

	body := r.Body
	if h.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	var req upsertRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, msgBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Zip == "" || isAbsent(req.Info) {
		h.fail(w, r, http.StatusBadRequest, msgMissingData, errors.New("zip or info missing"))
		return
	}

	archive, err := decodeArchive(req.Zip)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, msgBadRequest, fmt.Errorf("decode zip: %w", err))
		return
	}
	var meta storage.Metadata
	if err := json.Unmarshal(req.Info, &meta); err != nil {
		h.fail(w, r, http.StatusBadRequest, msgBadRequest, fmt.Errorf("decode info: %w", err))
		return
	}

	if err := h.Store.Upsert(r.Context(), id, archive, meta); err != nil {
		if errors.Is(err, storage.ErrBadRequest) {
			h.fail(w, r, http.StatusBadRequest, msgBadRequest, err)
			return
		}
		h.fail(w, r, http.StatusInternalServerError, msgUpsertFailed, err)
		return
	}

	fwlog.Infof("rid=%s plugin %s uploaded (%d bytes).", middleware.RequestIDFromContext(r.Context()), id, len(archive))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
}

// Health handles GET /healthz.
func (h *PluginServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// fail logs err with the request id and writes a generic plain-text body.
func (h *PluginServiceHandler) fail(w http.ResponseWriter, r *http.Request, code int, msg string, err error) {
	rid := middleware.RequestIDFromContext(r.Context())
	if code >= http.StatusInternalServerError {
		fwlog.Errorf("rid=%s %s %s: %v", rid, r.Method, r.URL.Path, err)
	} else {
		fwlog.Debugf("rid=%s %s %s: %v", rid, r.Method, r.URL.Path, err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

// pluginID returns the decoded {id} segment. chi routes on RawPath when the
// request carries one, and on the already decoded Path otherwise.
func pluginID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		var err error
		if id, err = url.PathUnescape(id); err != nil {
			return "", err
		}
	}
	if err := storage.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// isAbsent reports whether a JSON value counts as not supplied.
func isAbsent(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}

// decodeArchive accepts padded and unpadded base64.
func decodeArchive(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
