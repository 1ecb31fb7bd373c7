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
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawa-io/qgisrepo/pkg/config"
	"github.com/fawa-io/qgisrepo/pkg/cors"
	"github.com/fawa-io/qgisrepo/pkg/fwlog"
	"github.com/fawa-io/qgisrepo/pkg/storage"
	"github.com/fawa-io/qgisrepo/service/plugin"
)

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}
	cfg := config.Get()

	level, err := fwlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fwlog.Warnf("Invalid log level %q, using info: %v", cfg.LogLevel, err)
	}
	fwlog.SetLevel(level)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := newStore(startCtx, cfg)
	if err != nil {
		cancelStart()
		fwlog.Fatalf("Failed to initialize storage: %v", err)
	}
	counter, err := newCounter(startCtx, cfg)
	cancelStart()
	if err != nil {
		fwlog.Fatalf("Failed to connect to download counter: %v", err)
	}

	pluginSvcHdr := &plugin.PluginServiceHandler{
		Store:        store,
		Counter:      counter,
		HostURL:      cfg.HostURL,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}

	repoSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cors.NewCORS().Handler(plugin.NewRouter(cfg.RootPath, pluginSvcHdr)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fwlog.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := repoSrv.Shutdown(ctx); err != nil {
			fwlog.Errorf("Server shutdown error: %v", err)
		}

		if c, ok := counter.(io.Closer); ok {
			if err := c.Close(); err != nil {
				fwlog.Errorf("Error closing download counter: %v", err)
			}
		}

		fwlog.Info("Server shutdown complete")
		os.Exit(0)
	}()

	fwlog.Infof("Server starting on %v, serving %s%s", cfg.Addr, cfg.RootPath, "/plugins.xml")

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		err = repoSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = repoSrv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fwlog.Fatalf("Failed to start server: %v", err)
	}
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMinio:
		fwlog.Infof("Using minio bucket %s at %s", cfg.Minio.Bucket, cfg.Minio.Endpoint)
		return storage.NewMinioStore(ctx, storage.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Prefix:    cfg.Minio.Prefix,
			Region:    cfg.Minio.Region,
		})
	default:
		fwlog.Infof("Using data directory %s", cfg.DataDir)
		return storage.NewDiskStore(cfg.DataDir)
	}
}

// newCounter returns a no-op counter when no redis address is configured.
func newCounter(ctx context.Context, cfg config.Config) (storage.Counter, error) {
	if cfg.Redis.Addr == "" {
		return storage.NopCounter{}, nil
	}
	fwlog.Infof("Counting downloads in %s", cfg.Redis.Addr)
	return storage.NewDragonflyCounter(ctx, cfg.Redis.Addr)
}
