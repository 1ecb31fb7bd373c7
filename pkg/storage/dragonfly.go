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
	"strconv"

	"github.com/redis/go-redis/v9"
)

const downloadsKeyPrefix = "qgisrepo:downloads:"

// DragonflyCounter implements the Counter interface using Dragonfly/Redis.
type DragonflyCounter struct {
	client redis.Cmdable
}

// NewDragonflyCounter creates a new instance of DragonflyCounter and checks
// the connection.
func NewDragonflyCounter(ctx context.Context, addr string) (*DragonflyCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &DragonflyCounter{client: client}, nil
}

func downloadsKey(id string) string {
	return downloadsKeyPrefix + id
}

// Incr implements the Counter interface.
func (d *DragonflyCounter) Incr(ctx context.Context, id string) error {
	return d.client.Incr(ctx, downloadsKey(id)).Err()
}

// Counts implements the Counter interface. Ids never downloaded count as 0.
func (d *DragonflyCounter) Counts(ctx context.Context, ids []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = downloadsKey(id)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		counts[ids[i]] = 0
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("download counter for %q: %w", ids[i], err)
		}
		counts[ids[i]] = n
	}
	return counts, nil
}

// Close releases the underlying connection pool.
func (d *DragonflyCounter) Close() error {
	if c, ok := d.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NopCounter is used when no Dragonfly/Redis address is configured.
type NopCounter struct{}

func (NopCounter) Incr(context.Context, string) error { return nil }

func (NopCounter) Counts(context.Context, []string) (map[string]int64, error) { return nil, nil }
