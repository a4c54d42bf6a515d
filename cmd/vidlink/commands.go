package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/host"
	"github.com/zsiec/vidlink/internal/session"
	"github.com/zsiec/vidlink/internal/transport"
)

type loader func(*cobra.Command) (config.Settings, error)

// statsInterval is how often send and receive log pipeline counters.
const statsInterval = 5 * time.Second

func newSendCmd(load loader) *cobra.Command {
	var (
		streamID, fingerprint string
		annotate              bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Stream a test pattern to --peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(s)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			src := host.NewPatternSource(s.Stream.Width, s.Stream.Height)
			src.Annotate = annotate
			go logStats(ctx, a.mgr)
			return a.run(ctx, session.Spec{
				Role:        transport.RoleSend,
				Peer:        s.Peer,
				Stream:      s.Stream,
				StreamID:    streamID,
				Fingerprint: fingerprint,
				Source:      src,
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream-id", "", "SRT stream id")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "pin the QUIC receiver certificate (base64 SHA-256)")
	cmd.Flags().BoolVar(&annotate, "annotate", false, "attach the frame number to every frame as SEI user data")
	return cmd
}

func newReceiveCmd(load loader) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive a stream on --listen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load(cmd)
			if err != nil {
				return err
			}
			var sink host.Sink = &host.CountingSink{}
			if s.Snapshots != "" {
				snap, err := host.NewSnapshotSink(s.Snapshots, format, s.SnapshotEvery)
				if err != nil {
					return err
				}
				sink = snap
			}
			a, err := newApp(s)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			go logStats(ctx, a.mgr)
			return a.run(ctx, session.Spec{
				Role:   transport.RoleReceive,
				Listen: s.Listen,
				Stream: s.Stream,
				Sink:   sink,
			})
		},
	}
	cmd.Flags().StringVar(&format, "snapshot-format", host.SnapshotPNG, "snapshot image format: png or jpeg")
	return cmd
}

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and manage sessions created through it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load(cmd)
			if err != nil {
				return err
			}
			if s.API == "" {
				s.API = ":8080"
			}
			a, err := newApp(s)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return a.run(ctx)
		},
	}
}

func logStats(ctx context.Context, mgr *session.Manager) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, info := range mgr.List() {
				d, err := mgr.Debug(info.ID)
				if err != nil {
					continue
				}
				var userData int64
				switch {
				case d.Encoder != nil:
					userData = d.Encoder.UserData
				case d.Decoder != nil:
					userData = d.Decoder.UserData
				}
				slog.Info("stats",
					"session", info.ID,
					"state", info.State.String(),
					"encoded", d.FramesEncoded,
					"decoded", d.FramesDecoded,
					"presented", d.FramesPresented,
					"user_data", userData,
					"loss_events", d.LossEvents,
					"keyframe_requests", d.KeyframeRequests,
					"sent", d.Transport.PacketsSent,
					"send_dropped", d.Transport.SendDropped,
					"received", d.Transport.PacketsReceived,
				)
			}
		}
	}
}
