package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atrium-labs/atrium/pkg/config"
	"github.com/atrium-labs/atrium/pkg/errors"
	"github.com/atrium-labs/atrium/pkg/logger"
	"github.com/atrium-labs/atrium/pkg/runtime"
	"github.com/atrium-labs/atrium/pkg/telemetry"
	"github.com/atrium-labs/atrium/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the atrium server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "Listen address for the MCP endpoint")
	if err := viper.BindPFlag("addr", cmd.Flags().Lookup("addr")); err != nil {
		logger.Errorf("failed to bind addr flag: %v", err)
	}
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig(viper.GetString("config"))
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.New()
	}

	rt, err := runtime.New(ctx, runtime.Options{
		Config:        cfg,
		Metrics:       metrics,
		ServerName:    "atrium",
		ServerVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warnw("runtime close failed", "error", cerr)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("POST /mcp", dispatchHandler(rt, cfg.Transport))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	addr := viper.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("atrium listening", "addr", addr, "auth_mode", cfg.Auth.Mode)
		errCh <- srv.ListenAndServe()
	}()

	var metricsSrv *http.Server
	if metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Infow("metrics listening", "addr", cfg.Metrics.Addr)
			if merr := metricsSrv.ListenAndServe(); merr != nil && merr != http.ErrServerClosed {
				logger.Warnw("metrics server stopped", "error", merr)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warnw("server shutdown incomplete", "error", serr)
	}
	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Warnw("metrics shutdown incomplete", "error", serr)
		}
	}
	return nil
}

// maxRequestBody bounds what the HTTP layer will buffer for one request.
const maxRequestBody = 4 << 20

// dispatchHandler frames HTTP requests into the runtime: one JSON-RPC request
// per POST, session id in the mcp-session-id header, bearer token in
// Authorization. The transport protocol options govern legacy session id
// lookup, strict session enforcement, and reply framing.
func dispatchHandler(rt *runtime.Runtime, tc config.TransportConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		var env runtime.RequestEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "request body is not a JSON-RPC message", http.StatusBadRequest)
			return
		}

		sessionID := r.Header.Get(transport.SessionIDHeader)
		if sessionID == "" && tc.Legacy {
			sessionID = r.URL.Query().Get("session_id")
		}
		if tc.StrictSession && env.Method != "initialize" && strings.TrimSpace(sessionID) == "" {
			writeEnvelope(w, tc.JSONResponse, &runtime.ResponseEnvelope{
				JSONRPC: "2.0",
				ID:      env.ID,
				Error: &runtime.ErrorObject{
					Code:    runtime.CodeInvalidParams,
					Message: "session id is required",
					Data:    &runtime.ErrorData{Kind: errors.CodeSessionIDEmpty},
				},
			})
			return
		}

		clientID, _, _ := net.SplitHostPort(r.RemoteAddr)
		resp := rt.Dispatch(r.Context(), &env, sessionID, runtime.DispatchOptions{
			BearerToken: bearerToken(r),
			ClientID:    clientID,
		})

		// Echo the minted session id so clients can pick it up from the
		// initialize response headers as well as the body.
		if result, ok := resp.Result.(map[string]any); ok {
			if sid, ok := result["sessionId"].(string); ok && sid != "" {
				w.Header().Set(transport.SessionIDHeader, sid)
			}
		}
		writeEnvelope(w, tc.JSONResponse, resp)
	})
}

// writeEnvelope sends one response, either as a plain JSON body or framed as
// a single server-sent event.
func writeEnvelope(w http.ResponseWriter, jsonResponse bool, resp *runtime.ResponseEnvelope) {
	if jsonResponse {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Debugw("failed to write response", "error", err)
		}
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Debugw("failed to marshal response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
