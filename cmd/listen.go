package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/registry"
	"github.com/strand-protocol/strand/curvecp/pkg/server"
	"github.com/strand-protocol/strand/curvecp/pkg/session"
)

var (
	listenAddr      string
	listenOut       string
	listenEcho      bool
	listenAuthorize bool
	listenMetrics   string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept CurveCP sessions",
	Long: `Listen for CurveCP clients on a UDP address. By default every byte a
client sends is appended to --out (stdout when empty). With --echo each
client's data is sent back to it after the client closes its side.
With --authorize only clients whose key is allowed in the peer registry
may connect. --metrics serves Prometheus metrics over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := listenAddr
		if addr == "" {
			addr = cfg.Listen
		}
		metricsAddr := listenMetrics
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would listen on %s\n", addr)
			return nil
		}

		kp, err := keys.Load(cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load key (run curvecpctl keygen first): %w", err)
		}
		defer kp.Wipe()

		var out io.Writer = cmd.OutOrStdout()
		if listenOut != "" {
			f, err := os.OpenFile(listenOut, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("failed to open output: %w", err)
			}
			defer f.Close()
			out = f
		}

		metrics := observability.NewMetrics()
		clientExt, serverExt := cfg.Extensions()
		opts := []server.ServerOption{
			server.WithKeys(kp),
			server.WithServerName(cfg.ServerName),
			server.WithExtensions(clientExt, serverExt),
			server.WithStreamConfig(cfg.Stream),
			server.WithMetrics(metrics),
			server.WithLogger(logger),
		}
		if listenAuthorize {
			s, err := openStore()
			if err != nil {
				return err
			}
			opts = append(opts, server.WithAuthorizer(registry.Authorizer(s, logger)))
		}

		var handler server.Handler = &sinkHandler{out: out}
		if listenEcho {
			handler = server.HandlerFunc(echoSession)
		}
		srv := server.New(handler, opts...)

		if metricsAddr != "" {
			stopMetrics := serveMetrics(metricsAddr, metrics)
			defer stopMetrics()
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe(addr) }()
		fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s, public key %s\n", addr, kp.Public)

		select {
		case err := <-errc:
			return err
		case <-cmd.Context().Done():
			srv.Stop()
			return <-errc
		}
	},
}

// sinkHandler appends every session's data to out. Writes are serialized
// so concurrent clients never interleave within a chunk.
type sinkHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func (h *sinkHandler) ServeSession(ctx context.Context, s *session.Session) {
	buf := make([]byte, 32<<10)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			h.mu.Lock()
			_, werr := h.out.Write(buf[:n])
			h.mu.Unlock()
			if werr != nil {
				logger.Warn().Err(werr).Msg("write output")
				_ = s.Abort()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("session read")
			}
			return
		}
	}
}

func echoSession(ctx context.Context, s *session.Session) {
	data, err := io.ReadAll(s)
	if err != nil {
		logger.Debug().Err(err).Msg("session read")
		return
	}
	if _, err := s.Write(ctx, data); err != nil {
		logger.Debug().Err(err).Msg("echo write")
	}
}

// serveMetrics exposes m at http://addr/metrics and returns a func that
// shuts the endpoint down.
func serveMetrics(addr string, m *observability.Metrics) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.PrometheusHandler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", "", "UDP address to listen on (default from config, :6543)")
	listenCmd.Flags().StringVar(&listenOut, "out", "", "append received data to this file instead of stdout")
	listenCmd.Flags().BoolVar(&listenEcho, "echo", false, "send each client's data back to it")
	listenCmd.Flags().BoolVar(&listenAuthorize, "authorize", false, "accept only clients allowed in the peer registry")
	listenCmd.Flags().StringVar(&listenMetrics, "metrics", "", "serve Prometheus metrics on this HTTP address")
	rootCmd.AddCommand(listenCmd)
}
