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

package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/fawa-io/qgisrepo/pkg/fwlog"
)

const (
	// the owner can make/remove files inside the directory
	privateDirMode = 0o700

	rootDir = string(filepath.Separator)
)

// DiskStore implements Store on a directory tree:
//
//	<root>/<id>/plugin.json
//	<root>/<id>/plugin.zip
type DiskStore struct {
	fs    afero.Fs
	locks idLocks
}

// NewDiskStore creates root if needed and returns a store confined to it.
func NewDiskStore(root string) (*DiskStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, privateDirMode); err != nil {
		return nil, fmt.Errorf("%w: create storage root %s: %v", ErrStorage, root, err)
	}
	return NewDiskStoreFs(afero.NewBasePathFs(osFs, root)), nil
}

// NewDiskStoreFs returns a store whose root is the root of fs.
func NewDiskStoreFs(fs afero.Fs) *DiskStore {
	return &DiskStore{fs: fs}
}

func pluginDir(id string) string {
	return filepath.Join(rootDir, id)
}

func pluginFile(id, name string) string {
	return filepath.Join(rootDir, id, name)
}

// List implements the Store interface.
func (s *DiskStore) List(ctx context.Context) ([]Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read storage root: %v", ErrStorage, err)
	}

	plugins := make([]Plugin, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		meta, err := s.load(id)
		if err != nil {
			fwlog.Debugf("skipping plugin folder %q: %v", id, err)
			continue
		}
		plugins = append(plugins, Plugin{ID: id, Metadata: meta})
	}
	return plugins, nil
}

// load reads the metadata of a complete plugin folder.
func (s *DiskStore) load(id string) (Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, pluginFile(id, MetadataFile))
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetadataFile, err)
	}
	fi, err := s.fs.Stat(pluginFile(id, ArchiveFile))
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", ArchiveFile)
	}
	return meta, nil
}

// Open implements the Store interface. The returned reader also implements
// io.Seeker.
func (s *DiskStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	f, err := s.fs.Open(pluginFile(id, ArchiveFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// Upsert implements the Store interface. The archive is written before the
// metadata, so a plugin only becomes visible in List once both exist.
func (s *DiskStore) Upsert(ctx context.Context, id string, archive []byte, meta Metadata) error {
	doc, err := prepareUpsert(id, archive, meta)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	dir := pluginDir(id)
	if err := s.fs.MkdirAll(dir, privateDirMode); err != nil {
		return fmt.Errorf("%w: create plugin folder %s: %v", ErrStorage, id, err)
	}
	if err := s.writeFile(dir, ArchiveFile, archive); err != nil {
		return err
	}
	if err := s.writeFile(dir, MetadataFile, doc); err != nil {
		return err
	}
	return nil
}

// writeFile replaces dir/name through a temporary file and a rename, so
// readers see either the old or the new content.
func (s *DiskStore) writeFile(dir, name string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %s: %v", ErrStorage, name, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(tmpName, filepath.Join(dir, name))
	}
	if err != nil {
		if rmErr := s.fs.Remove(tmpName); rmErr != nil {
			fwlog.Warnf("Failed to remove temp file %s: %v", tmpName, rmErr)
		}
		return fmt.Errorf("%w: write %s: %v", ErrStorage, name, err)
	}
	return nil
}
