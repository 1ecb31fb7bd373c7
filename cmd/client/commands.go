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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fawa-io/qgisrepo/pkg/client"
	"github.com/fawa-io/qgisrepo/pkg/storage"
)

const defaultServer = "http://localhost:3008/qgis"

func newRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("QGISREPO")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "qgisrepo-client",
		Short:         "Push, list and download plugins of a QGIS plugin repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("server", defaultServer, "Repository base URL including the root path (env QGISREPO_SERVER)")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))

	newClient := func() (*client.Client, error) {
		return client.New(v.GetString("server"))
	}

	root.AddCommand(newPushCommand(newClient))
	root.AddCommand(newListCommand(newClient))
	root.AddCommand(newDownloadCommand(newClient))
	return root
}

func newPushCommand(newClient func() (*client.Client, error)) *cobra.Command {
	var zipPath, infoPath string

	cmd := &cobra.Command{
		Use:   "push <id>",
		Short: "Upload a plugin archive and its plugin.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := os.ReadFile(zipPath)
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			doc, err := os.ReadFile(infoPath)
			if err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			var meta storage.Metadata
			if err := json.Unmarshal(doc, &meta); err != nil {
				return fmt.Errorf("parse %s: %w", infoPath, err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Push(cmd.Context(), args[0], archive, meta); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s (%d bytes)\n", args[0], len(archive))
			return nil
		},
	}
	cmd.Flags().StringVar(&zipPath, "zip", "", "Path to the plugin zip archive")
	cmd.Flags().StringVar(&infoPath, "info", "", "Path to the plugin.json metadata file")
	_ = cmd.MarkFlagRequired("zip")
	_ = cmd.MarkFlagRequired("info")
	return cmd
}

func newListCommand(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the plugins in the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			plugins, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			return renderPlugins(cmd.OutOrStdout(), plugins)
		},
	}
}

func newDownloadCommand(newClient func() (*client.Client, error)) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the archive of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if output == "" {
				output = storage.Plugin{ID: id}.FileName()
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			// Write next to the target and rename so a failed download
			// leaves nothing behind.
			f, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+"-*")
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			n, err := c.Download(cmd.Context(), id, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err == nil {
				err = os.Rename(f.Name(), output)
			}
			if err != nil {
				_ = os.Remove(f.Name())
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", output, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <id>.zip)")
	return cmd
}

func renderPlugins(w io.Writer, plugins []storage.Plugin) error {
	if len(plugins) == 0 {
		_, _ = fmt.Fprintln(w, "(no plugins)")
		return nil
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAutoFormat(tw.Off),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	table.Header("ID", "Name", "Version", "QGIS Min", "Author")
	for _, p := range plugins {
		if err := table.Append(
			p.ID,
			p.Metadata.String(storage.KeyName),
			p.Metadata.String(storage.KeyVersion),
			p.Metadata.String(storage.KeyQgisMinimumVersion),
			strings.TrimSpace(p.Metadata.String(storage.KeyAuthorName)),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
