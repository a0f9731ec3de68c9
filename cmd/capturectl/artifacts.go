package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/cordum/capturekit/core/infra/transport"
)

func newPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired artifacts from the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, metrics.Noop{}, true)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d\n", n)
			return nil
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a cached artifact to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, metrics.Noop{}, true)
			if err != nil {
				return err
			}
			defer store.Close()

			var w io.Writer = cmd.OutOrStdout()
			var buf bytes.Buffer
			if output != "" {
				w = &buf
			}
			entry, err := store.Download(cmd.Context(), args[0], w)
			if err != nil {
				return err
			}
			if output != "" {
				if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes, %s, expires %s\n",
				entry.ID, len(entry.Payload), entry.ContentType, entry.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write instead of stdout")
	return cmd
}

type uploadFlags struct {
	url             string
	method          string
	headers         []string
	timeout         time.Duration
	withCredentials bool
	contentType     string
}

func (f uploadFlags) options() (transport.Options, error) {
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{
		URL:             f.url,
		Method:          f.method,
		Headers:         headers,
		Timeout:         f.timeout,
		WithCredentials: f.withCredentials,
		ContentType:     f.contentType,
	}, nil
}

func bindUploadFlags(cmd *cobra.Command, f *uploadFlags) {
	cmd.Flags().StringVar(&f.url, "url", "", "destination URL")
	cmd.Flags().StringVar(&f.method, "method", "", "PUT or POST (default PUT)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "request header as Key: Value or Key=Value (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "upload timeout (0 uses the configured default)")
	cmd.Flags().BoolVar(&f.withCredentials, "with-credentials", false, "send cookies stored for the destination")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "override the cached content type")
	_ = cmd.MarkFlagRequired("url")
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var flags uploadFlags
	cmd := &cobra.Command{
		Use:   "upload <id>",
		Short: "Upload a cached artifact to a remote endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			uopts, err := flags.options()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, metrics.Noop{}, true)
			if err != nil {
				return err
			}
			defer store.Close()
			publisher, closeBus, err := connectBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer closeBus()

			stderr := cmd.ErrOrStderr()
			uopts.OnProgress = func(pct int) {
				fmt.Fprintf(stderr, "\r%s: %3d%%", args[0], pct)
			}
			coord := newCoordinator(cfg, store, transport.New(), publisher)
			err = coord.Upload(cmd.Context(), args[0], uopts)
			fmt.Fprintln(stderr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", args[0])
			return nil
		},
	}
	bindUploadFlags(cmd, &flags)
	return cmd
}

// parseHeaders accepts "Key: Value" and "Key=Value".
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		idx := strings.IndexAny(h, ":=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		key := strings.TrimSpace(h[:idx])
		if key == "" {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		out[key] = strings.TrimSpace(h[idx+1:])
	}
	return out, nil
}
