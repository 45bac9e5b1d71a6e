package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	relay "github.com/relaychat/relay-go"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

var (
	listenUser        string
	listenToken       string
	listenMetricsAddr string
)

func init() {
	listenCmd.Flags().StringVar(&listenUser, "user", "", "user id (defaults to auth.user_id)")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "static session token (defaults to auth.token, then token refresh)")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print every realtime event",
	Long:  "Open a realtime session and print each event on its own line until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		rtCfg, err := realtimeConfig(cfg)
		if err != nil {
			return err
		}

		user := relay.User{ID: valueOrDefault(listenUser, cfg.Auth.UserID), Name: cfg.Auth.UserName}
		if user.ID == "" {
			return fmt.Errorf("no user id, pass --user or set auth.user_id")
		}

		var tokens relay.TokenSource = client.TokenSource()
		if tok := valueOrDefault(listenToken, cfg.Auth.Token); tok != "" {
			tokens = relay.StaticToken(tok)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []relay.RealtimeOption
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, relay.WithMetrics(reg, prometheus.Labels{"user_id": user.ID}))
			srv := serveMetrics(listenMetricsAddr, reg)
			defer shutdownServer(srv)
		}

		rc := client.Realtime(rtCfg, opts...)
		ended := make(chan struct{})
		sub := rc.SubscribeFunc(func(ev relay.Event) {
			printEvent(cmd.OutOrStdout(), ev)
			if rc.State().Kind() == relay.StateDisconnected {
				select {
				case <-ended:
				default:
					close(ended)
				}
			}
		})
		defer sub.Unsubscribe()

		if err := rc.Connect(ctx, user, tokens); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		logs.Infof("listening as %s on %s", user.ID, client.BaseURL())

		select {
		case <-ctx.Done():
			logs.Info("interrupted, disconnecting")
			rc.Disconnect()
		case <-ended:
			logs.Info("session ended")
		}
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server, err: %+v", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// printEvent writes one line per event.
func printEvent(w io.Writer, ev relay.Event) {
	ts := time.Now().Format(time.RFC3339)
	switch e := ev.(type) {
	case relay.DomainEvent:
		fmt.Fprintf(w, "%s %s %s %s\n", ts, e.Kind(), e.Type, string(e.Payload))
	case relay.ConnectionRecoveredEvent:
		fmt.Fprintf(w, "%s %s connection_id=%s\n", ts, e.Kind(), e.ConnectionID)
	case relay.ReconnectingEvent:
		fmt.Fprintf(w, "%s %s attempt=%d delay=%s\n", ts, e.Kind(), e.Attempt, e.Delay)
	case relay.ConnectionErrorEvent:
		fmt.Fprintf(w, "%s %s code=%d message=%q err=%v\n", ts, e.Kind(), e.Code, e.Message, e.Err)
	case relay.ConnectionClosingEvent:
		fmt.Fprintf(w, "%s %s code=%d reason=%q\n", ts, e.Kind(), e.Code, e.Reason)
	case relay.ConnectionClosedEvent:
		fmt.Fprintf(w, "%s %s code=%d reason=%q\n", ts, e.Kind(), e.Code, e.Reason)
	case relay.TokenExpiredEvent:
		fmt.Fprintf(w, "%s %s message=%q\n", ts, e.Kind(), e.Message)
	default:
		fmt.Fprintf(w, "%s %s\n", ts, ev.Kind())
	}
}
