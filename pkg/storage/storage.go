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

// Package storage keeps plugin records: one folder (or key prefix) per
// plugin id holding a metadata document and a zip archive.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// File names inside a plugin folder.
const (
	MetadataFile = "plugin.json"
	ArchiveFile  = "plugin.zip"
)

// Well-known metadata keys.
const (
	KeyName               = "name"
	KeyVersion            = "version"
	KeyDescription        = "description"
	KeyHomepage           = "homepage"
	KeyQgisMinimumVersion = "qgis_minimum_version"
	KeyAuthorName         = "author_name"
)

const maxIDLength = 255

var (
	// ErrBadRequest marks input that can never succeed: invalid ids,
	// missing archive or metadata, metadata failing validation.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned when a plugin or its archive cannot be opened.
	ErrNotFound = errors.New("plugin not found")
	// ErrStorage wraps any failure of the underlying filesystem or bucket.
	ErrStorage = errors.New("storage error")
)

// Metadata is the plugin.json document. Keys other than the well-known
// ones are kept as uploaded.
type Metadata map[string]any

// String returns the value of key rendered as text, or "" if absent.
func (m Metadata) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Plugin is a complete plugin record as exposed in catalogs.
type Plugin struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
}

// FileName is the name clients save the archive under.
func (p Plugin) FileName() string {
	return p.ID + ".zip"
}

// Store defines the operations on plugin records.
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns every complete plugin. Entries that cannot be loaded are
	// skipped; an error is only returned when the root cannot be enumerated.
	List(ctx context.Context) ([]Plugin, error)

	// Open returns the archive of id. The caller closes the reader.
	// Any failure is reported as ErrNotFound.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Upsert creates or fully replaces the archive and metadata of id.
	Upsert(ctx context.Context, id string, archive []byte, meta Metadata) error
}

// Counter tracks archive downloads per plugin id.
type Counter interface {
	Incr(ctx context.Context, id string) error
	// Counts returns the download count for each id. A nil map means
	// counting is disabled.
	Counts(ctx context.Context, ids []string) (map[string]int64, error)
}

// ValidateID rejects ids that are not a single, non-traversing path segment.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.New("plugin id is empty")
	case id == "." || id == "..":
		return fmt.Errorf("plugin id %q is not allowed", id)
	case len(id) > maxIDLength:
		return fmt.Errorf("plugin id is longer than %d bytes", maxIDLength)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("plugin id %q contains a path separator", id)
	}
	return nil
}

// decodeMetadata parses a stored plugin.json. Anything but a JSON object is
// rejected.
func decodeMetadata(data []byte) (Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errors.New("metadata is not a JSON object")
	}
	return meta, nil
}

// prepareUpsert validates the upsert arguments and returns the serialized
// metadata document. It never touches storage.
func prepareUpsert(id string, archive []byte, meta Metadata) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if len(archive) == 0 {
		return nil, fmt.Errorf("%w: missing plugin archive", ErrBadRequest)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: missing plugin metadata", ErrBadRequest)
	}
	doc, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrBadRequest, err)
	}
	if err := ValidateMetadata(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
