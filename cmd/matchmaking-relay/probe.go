package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/probe"
)

func newProbeCommand() *cobra.Command {
	var (
		url      string
		origin   string
		timeout  time.Duration
		stunURLs []string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Pair two synthetic clients through a relay and open a data channel between them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			var header http.Header
			if origin != "" {
				header = http.Header{"Origin": {origin}}
			}
			var iceServers []webrtc.ICEServer
			for _, u := range stunURLs {
				if u = strings.TrimSpace(u); u != "" {
					iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
				}
			}

			res, err := probe.Run(cmd.Context(), probe.Config{
				URL:        url,
				Timeout:    timeout,
				Header:     header,
				ICEServers: iceServers,
				Logger:     logger,
			})
			if err != nil {
				logger.Error("probe failed", "url", url, "err", err)
				return exitWith(1, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok caller=%s callee=%s matched=%s connected=%s rtt=%s\n",
				res.CallerID, res.CalleeID, res.Matched, res.Connected, res.RoundTrip)
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:3000/ws", "Relay signaling WebSocket URL")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header to send with the upgrade")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "Overall probe deadline")
	cmd.Flags().StringSliceVar(&stunURLs, "stun-url", nil, "STUN server URL (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log signaling and pion debug output")
	return cmd
}
