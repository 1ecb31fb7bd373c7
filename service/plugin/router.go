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
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fawa-io/qgisrepo/pkg/middleware"
)

// NewRouter mounts the plugin routes under rootPath ("" or "/qgis") and the
// health check at /healthz.
func NewRouter(rootPath string, h *PluginServiceHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Health)

	if rootPath == "" || rootPath == "/" {
		h.RegisterRoutes(r)
	} else {
		r.Route(rootPath, h.RegisterRoutes)
	}
	return r
}

// RegisterRoutes adds the plugin repository routes to r.
func (h *PluginServiceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plugins.xml", h.CatalogXML)
	r.Get("/plugins.json", h.CatalogJSON)
	r.Get("/plugins/{id}", h.Download)
	r.Head("/plugins/{id}", h.Download)
	r.Put("/plugins/{id}", h.Upsert)
}
