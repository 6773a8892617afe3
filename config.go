package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/lobbybox/internal/presence"
)

type Config struct {
	bind    string
	envFile string
	h2c     bool
	otel    bool
	port    int
	prefix  string
	profile bool
	tlsCert string
	tlsKey  string
	verbose bool
	version bool

	store         string
	natsURL       string
	natsUser      string
	natsPass      string
	natsBucket    string
	postgresURL   string
	postgresTable string

	stalenessThreshold time.Duration
	heartbeatPeriod    time.Duration
	reapPeriod         time.Duration
	pollInterval       time.Duration
	debounce           time.Duration
	minPlayers         int
	maxSlots           int
	onFull             string
	mode               string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.h2c && c.tlsCert != "" {
		return errors.New("--h2c cannot be combined with --tls-cert/--tls-key")
	}

	switch c.store {
	case "memory":
	case "nats":
		if c.natsURL == "" {
			return errors.New("--nats-url is required with --store nats")
		}
	case "postgres":
		if c.postgresURL == "" {
			return errors.New("--postgres-url is required with --store postgres")
		}
	default:
		return fmt.Errorf("invalid store (must be one of memory, nats, postgres): %q", c.store)
	}

	return c.presence().Validate()
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// presence builds the engine configuration from flags. Timeouts keep their
// defaults.
func (c *Config) presence() presence.Config {
	p := presence.DefaultConfig()

	p.StalenessThreshold = c.stalenessThreshold
	p.HeartbeatPeriod = c.heartbeatPeriod
	p.ReapPeriod = c.reapPeriod
	p.PollInterval = c.pollInterval
	p.Debounce = c.debounce
	p.MinToStart = c.minPlayers
	p.MaxSlots = c.maxSlots
	p.OnFull = presence.FullPolicy(c.onFull)
	p.Mode = presence.Mode(c.mode)

	return p
}

// applyEnv copies environment values onto flags the user did not set.
func applyEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LOBBYBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := presence.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "lobbybox",
		Short:         "A shared waiting room for party games, kept in sync across browsers through a common store.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.envFile == "" {
				return nil
			}
			if err := godotenv.Load(cfg.envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", cfg.envFile, err)
			}
			applyEnv(v, cmd.Flags())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: LOBBYBOX_BIND)")
	fs.StringVar(&cfg.envFile, "env-file", "", "load environment variables from this file before reading configuration (env: LOBBYBOX_ENV_FILE)")
	fs.BoolVar(&cfg.h2c, "h2c", false, "serve HTTP/2 without TLS, for use behind a reverse proxy (env: LOBBYBOX_H2C)")
	fs.BoolVar(&cfg.otel, "otel", false, "export traces, metrics and logs over OTLP/gRPC (env: LOBBYBOX_OTEL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: LOBBYBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: LOBBYBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: LOBBYBOX_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: LOBBYBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: LOBBYBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: LOBBYBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: LOBBYBOX_VERSION)")

	fs.StringVar(&cfg.store, "store", "memory", "participant store: memory, nats or postgres (env: LOBBYBOX_STORE)")
	fs.StringVar(&cfg.natsURL, "nats-url", "nats://localhost:4222", "NATS server URL (env: LOBBYBOX_NATS_URL)")
	fs.StringVar(&cfg.natsUser, "nats-user", "", "NATS username (env: LOBBYBOX_NATS_USER)")
	fs.StringVar(&cfg.natsPass, "nats-pass", "", "NATS password (env: LOBBYBOX_NATS_PASS)")
	fs.StringVar(&cfg.natsBucket, "nats-bucket", "LOBBY_PRESENCE", "JetStream key-value bucket holding participants (env: LOBBYBOX_NATS_BUCKET)")
	fs.StringVar(&cfg.postgresURL, "postgres-url", "", "PostgreSQL connection string (env: LOBBYBOX_POSTGRES_URL)")
	fs.StringVar(&cfg.postgresTable, "postgres-table", "lobby_participants", "PostgreSQL table holding participants (env: LOBBYBOX_POSTGRES_TABLE)")

	fs.DurationVar(&cfg.stalenessThreshold, "staleness-threshold", d.StalenessThreshold, "time without a heartbeat before a participant is dropped (env: LOBBYBOX_STALENESS_THRESHOLD)")
	fs.DurationVar(&cfg.heartbeatPeriod, "heartbeat-period", d.HeartbeatPeriod, "time between heartbeats, must be below the staleness threshold (env: LOBBYBOX_HEARTBEAT_PERIOD)")
	fs.DurationVar(&cfg.reapPeriod, "reap-period", d.ReapPeriod, "time between sweeps for stale participants (env: LOBBYBOX_REAP_PERIOD)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", d.PollInterval, "reload interval when polling or while the change feed is down (env: LOBBYBOX_POLL_INTERVAL)")
	fs.DurationVar(&cfg.debounce, "debounce", d.Debounce, "window for collapsing bursts of change notifications (env: LOBBYBOX_DEBOUNCE)")
	fs.IntVar(&cfg.minPlayers, "min-players", d.MinToStart, "participants required before the game can start (env: LOBBYBOX_MIN_PLAYERS)")
	fs.IntVar(&cfg.maxSlots, "max-slots", d.MaxSlots, "slots shown in the waiting room (env: LOBBYBOX_MAX_SLOTS)")
	fs.StringVar(&cfg.onFull, "on-full", string(d.OnFull), "what to do with joins once every slot is taken: queue or reject (env: LOBBYBOX_ON_FULL)")
	fs.StringVar(&cfg.mode, "mode", string(d.Mode), "how sessions follow the store: auto, push or poll (env: LOBBYBOX_MODE)")

	applyEnv(v, fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("lobbybox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
