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

// Package catalog renders plugin records as the feeds consumed by the QGIS
// plugin manager.
package catalog

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/fawa-io/qgisrepo/pkg/storage"
)

// Options controls how the XML feed is rendered.
type Options struct {
	// HostURL is the public base URL, without trailing slash. Download links
	// are HostURL + "/plugins/<id>".
	HostURL string
	// Downloads holds per-plugin download counts. When nil the downloads
	// element is omitted.
	Downloads map[string]int64
}

type xmlCatalog struct {
	XMLName xml.Name    `xml:"plugins"`
	Plugins []xmlPlugin `xml:"pyqgis_plugin"`
}

type xmlPlugin struct {
	Name               string `xml:"name,attr"`
	Version            string `xml:"version,attr"`
	Description        string `xml:"description"`
	Homepage           string `xml:"homepage"`
	QgisMinimumVersion string `xml:"qgis_minimum_version"`
	FileName           string `xml:"file_name"`
	AuthorName         string `xml:"author_name"`
	DownloadURL        string `xml:"download_url"`
	Downloads          *int64 `xml:"downloads,omitempty"`
}

// DownloadURL returns the public download link of the plugin id.
func DownloadURL(hostURL, id string) string {
	return strings.TrimRight(hostURL, "/") + "/plugins/" + url.PathEscape(id)
}

// RenderXML writes the <plugins> feed. Every attribute and text node is
// escaped by the encoder.
func RenderXML(w io.Writer, plugins []storage.Plugin, opts Options) error {
	doc := xmlCatalog{Plugins: make([]xmlPlugin, 0, len(plugins))}
	for _, p := range plugins {
		xp := xmlPlugin{
			Name:               p.Metadata.String(storage.KeyName),
			Version:            p.Metadata.String(storage.KeyVersion),
			Description:        p.Metadata.String(storage.KeyDescription),
			Homepage:           p.Metadata.String(storage.KeyHomepage),
			QgisMinimumVersion: p.Metadata.String(storage.KeyQgisMinimumVersion),
			FileName:           p.FileName(),
			AuthorName:         p.Metadata.String(storage.KeyAuthorName),
			DownloadURL:        DownloadURL(opts.HostURL, p.ID),
		}
		if opts.Downloads != nil {
			n := opts.Downloads[p.ID]
			xp.Downloads = &n
		}
		doc.Plugins = append(doc.Plugins, xp)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode plugins.xml: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// RenderJSON writes the plugins as a JSON array of {id, metadata} objects.
func RenderJSON(w io.Writer, plugins []storage.Plugin) error {
	if plugins == nil {
		plugins = []storage.Plugin{}
	}
	if err := json.NewEncoder(w).Encode(plugins); err != nil {
		return fmt.Errorf("encode plugins.json: %w", err)
	}
	return nil
}

// Filter keeps the plugins whose qgis_minimum_version does not exceed
// qgisVersion, the version the QGIS client sends as ?qgis=. An empty or
// unparsable qgisVersion returns plugins unchanged; plugins with an
// unparsable minimum version are always kept.
func Filter(plugins []storage.Plugin, qgisVersion string) []storage.Plugin {
	if qgisVersion == "" {
		return plugins
	}
	client, err := semver.NewVersion(qgisVersion)
	if err != nil {
		return plugins
	}

	kept := make([]storage.Plugin, 0, len(plugins))
	for _, p := range plugins {
		minimum, err := semver.NewVersion(p.Metadata.String(storage.KeyQgisMinimumVersion))
		if err != nil || !minimum.GreaterThan(client) {
			kept = append(kept, p)
		}
	}
	return kept
}

// IDs returns the plugin ids in order.
func IDs(plugins []storage.Plugin) []string {
	ids := make([]string, len(plugins))
	for i, p := range plugins {
		ids[i] = p.ID
	}
	return ids
}
