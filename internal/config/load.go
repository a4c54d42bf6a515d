package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. VIDLINK_BITRATE.
const EnvPrefix = "VIDLINK"

// Settings is the process-level configuration: the default stream
// configuration plus options for the CLI and control API.
type Settings struct {
	Stream Stream

	API            string        // control API listen address, empty disables it
	Peer           string        // remote address a sender streams to
	Listen         string        // local address a receiver binds
	Snapshots      string        // directory for received-frame snapshots
	SnapshotEvery  int           // write every Nth presented frame
	MaxRestarts    int           // restarts after a fault before giving up
	RestartBackoff time.Duration // first restart delay, doubled per attempt
	Debug          bool

	// ConfigFile is the file that was read, empty if none was found.
	ConfigFile string
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("width", d.Width)
	v.SetDefault("height", d.Height)
	v.SetDefault("framerate", d.FrameRate)
	v.SetDefault("bitrate", d.Bitrate)
	v.SetDefault("keyframe-interval", d.KeyframeInterval)
	v.SetDefault("quant", d.Quant)
	v.SetDefault("mtu", d.MTU)
	v.SetDefault("idle-timeout", d.IdleTimeout)
	v.SetDefault("reassembly-horizon", d.ReassemblyHorizon)
	v.SetDefault("drain-timeout", d.DrainTimeout)
	v.SetDefault("report-interval", d.ReportInterval)
	v.SetDefault("send-queue", d.SendQueue)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("scaler", d.Scaler)

	v.SetDefault("api", "")
	v.SetDefault("peer", "127.0.0.1:5004")
	v.SetDefault("listen", ":5004")
	v.SetDefault("snapshots", "")
	v.SetDefault("snapshot-every", 30)
	v.SetDefault("max-restarts", 5)
	v.SetDefault("restart-backoff", 500*time.Millisecond)
	v.SetDefault("debug", false)
}

// RegisterFlags defines the command-line flags that Load understands.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("width", d.Width, "frame width in pixels")
	fs.Int("height", d.Height, "frame height in pixels")
	fs.Int("framerate", d.FrameRate, "frames per second")
	fs.Int("bitrate", d.Bitrate, "target bitrate in bits per second")
	fs.Int("keyframe-interval", d.KeyframeInterval, "frames between key frames")
	fs.Int("quant", d.Quant, "initial quantizer step")
	fs.Int("mtu", d.MTU, "maximum RTP packet size in bytes")
	fs.Duration("idle-timeout", d.IdleTimeout, "fault the session after this long without traffic (0 disables)")
	fs.Duration("reassembly-horizon", d.ReassemblyHorizon, "how long an incomplete frame may wait for packets")
	fs.Duration("drain-timeout", d.DrainTimeout, "how long Close waits for queued packets")
	fs.Duration("report-interval", d.ReportInterval, "RTCP report interval")
	fs.Int("send-queue", d.SendQueue, "minimum send queue depth in packets")
	fs.String("transport", d.Transport, "transport backend: udp, quic or srt")
	fs.String("scaler", d.Scaler, "scaling kernel: nearest, bilinear or catmullrom")

	fs.String("api", "", "control API listen address")
	fs.String("peer", "127.0.0.1:5004", "remote address to stream to")
	fs.String("listen", ":5004", "local address to receive on")
	fs.String("snapshots", "", "directory to write received frame snapshots to")
	fs.Int("snapshot-every", 30, "write every Nth received frame")
	fs.Int("max-restarts", 5, "restarts after a fault before giving up")
	fs.Duration("restart-backoff", 500*time.Millisecond, "initial restart delay")
	fs.Bool("debug", false, "enable debug logging")
}

// Load layers defaults, the config file, VIDLINK_* environment variables and
// flags, in increasing precedence. An explicit path must exist; otherwise
// vidlink.yaml is looked up in the working directory, the XDG config
// directory and /etc/vidlink, and a missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// DEBUG without a prefix is honored as well.
	if err := v.BindEnv("debug", EnvPrefix+"_DEBUG", "DEBUG"); err != nil {
		return Settings{}, fmt.Errorf("binding env: %w", err)
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil {
				return
			}
			if f.Name == "config" {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return Settings{}, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vidlink")
		v.SetConfigType("yaml")
		for _, dir := range []string{".", filepath.Join(xdg.ConfigHome, "vidlink"), "/etc/vidlink"} {
			v.AddConfigPath(os.ExpandEnv(dir))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("reading config: %w", err)
		}
	}

	s := Settings{
		Stream: Stream{
			Width:             v.GetInt("width"),
			Height:            v.GetInt("height"),
			FrameRate:         v.GetInt("framerate"),
			Bitrate:           v.GetInt("bitrate"),
			KeyframeInterval:  v.GetInt("keyframe-interval"),
			Quant:             v.GetInt("quant"),
			MTU:               v.GetInt("mtu"),
			IdleTimeout:       v.GetDuration("idle-timeout"),
			ReassemblyHorizon: v.GetDuration("reassembly-horizon"),
			DrainTimeout:      v.GetDuration("drain-timeout"),
			ReportInterval:    v.GetDuration("report-interval"),
			SendQueue:         v.GetInt("send-queue"),
			Transport:         strings.ToLower(v.GetString("transport")),
			Scaler:            strings.ToLower(v.GetString("scaler")),
		}.Normalize(),
		API:            v.GetString("api"),
		Peer:           v.GetString("peer"),
		Listen:         v.GetString("listen"),
		Snapshots:      v.GetString("snapshots"),
		SnapshotEvery:  v.GetInt("snapshot-every"),
		MaxRestarts:    v.GetInt("max-restarts"),
		RestartBackoff: v.GetDuration("restart-backoff"),
		Debug:          v.GetBool("debug"),
		ConfigFile:     v.ConfigFileUsed(),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the stream configuration and the process-level options.
func (s Settings) Validate() error {
	if err := s.Stream.Validate(); err != nil {
		return err
	}
	switch {
	case s.SnapshotEvery < 1:
		return invalid("snapshot-every", "%d must be at least 1", s.SnapshotEvery)
	case s.MaxRestarts < 0:
		return invalid("max-restarts", "%d must not be negative", s.MaxRestarts)
	case s.RestartBackoff < 0:
		return invalid("restart-backoff", "%s must not be negative", s.RestartBackoff)
	}
	return nil
}
