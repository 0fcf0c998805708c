// Package config handles the parsing and validation of application configuration
// from command-line arguments, environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/vars"
)

// DevMultiplier stretches scheduler intervals in development mode.
const DevMultiplier = 10

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server      Server        `group:"Server Options" env-namespace:"MERIDIAN"`
	Storage     Storage       `group:"Storage Options" namespace:"db" env-namespace:"MERIDIAN_DB"`
	GeoIP       GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"MERIDIAN_GEOIP"`
	A2S         A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"MERIDIAN_A2S"`
	Master      Master        `group:"Master Server Options" namespace:"master" env-namespace:"MERIDIAN_MASTER"`
	Scheduler   Scheduler     `group:"Scheduler Options" namespace:"scheduler" env-namespace:"MERIDIAN_SCHEDULER"`
	RateLimit   RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"MERIDIAN_RATE_LIMIT"`
	Maintenance Maintenance   `group:"Maintenance Options"`
	Logger      logger.Config `group:"Logger Options" namespace:"log" env-namespace:"MERIDIAN_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address    string `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:"127.0.0.1:3030"`
	AuthToken  string `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	TrustProxy bool   `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For and CF-Connecting-IP headers"`
	LocalIP    string `long:"local-ip" env:"LOCAL_IP" description:"Public address located in place of loopback callers" default:"172.67.151.50"`
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path         string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"meridian.db"`
	SnapshotPath string `long:"snapshot" env:"SNAPSHOT" description:"Path of the published server list used for warm restarts" default:"servers.json"`
	OptimizeTZ   string `long:"optimize-tz" env:"OPTIMIZE_TZ" description:"Time zone of the daily PRAGMA optimize run" default:"America/New_York"`
	OptimizeHour int    `long:"optimize-hour" env:"OPTIMIZE_HOUR" description:"Hour of the daily PRAGMA optimize run" default:"6"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB city database" default:"meridian.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-City.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Per server query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
	Workers    int           `long:"workers" env:"WORKERS" description:"Concurrent probe workers" default:"5"`
}

// Master holds master server (directory) configuration.
type Master struct {
	// betteralign:ignore

	Address       string        `long:"address" env:"ADDRESS" description:"Master server address" default:"hl2master.steampowered.com:27011"`
	AppID         int           `long:"appid" env:"APPID" description:"Steam application id" default:"440"`
	GameDir       string        `long:"gamedir" env:"GAMEDIR" description:"Game directory filter" default:"tf"`
	RegionTimeout time.Duration `long:"region-timeout" env:"REGION_TIMEOUT" description:"Timeout of one region query" default:"30s"`
	FullTimeout   time.Duration `long:"full-timeout" env:"FULL_TIMEOUT" description:"Timeout of the full server sweep" default:"180s"`
	RegionDelay   time.Duration `long:"region-delay" env:"REGION_DELAY" description:"Pause between region queries" default:"500ms"`
	Exclude       []string      `long:"exclude" env:"EXCLUDE" env-delim:"," description:"Additional hosts to ignore during discovery"`
}

// Scheduler holds refresh loop configuration.
type Scheduler struct {
	// betteralign:ignore

	Interval     time.Duration `long:"interval" env:"INTERVAL" description:"Probe cycle interval" default:"2m30s"`
	FullInterval time.Duration `long:"full-interval" env:"FULL_INTERVAL" description:"Interval of full known-server reloads and master sweeps" default:"6h"`
	Dev          bool          `long:"dev" env:"DEV" description:"Development mode, stretches the probe interval"`
}

// CycleInterval returns the effective sleep between probe cycles.
func (s Scheduler) CycleInterval() time.Duration {
	if s.Dev {
		return s.Interval * DevMultiplier
	}

	return s.Interval
}

// RateLimit holds API rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: requests count" default:"120"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Maintenance holds one-shot task flags; the service exits after running one.
type Maintenance struct {
	// betteralign:ignore

	PurgeExcluded    bool   `long:"purge-excluded" description:"Delete all stored data of excluded hosts"`
	ExportCategories string `long:"export-categories" description:"Write manually set categories of recent servers to a file"`
	Optimize         bool   `long:"optimize" description:"Run PRAGMA optimize and exit"`
	GenerateCount    int    `long:"gen-fake-data" hidden:"true"`
}

// Active reports whether any maintenance task was requested.
func (m Maintenance) Active() bool {
	return m.PurgeExcluded || m.ExportCategories != "" || m.Optimize || m.GenerateCount > 0
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load .env file:", err)
	}

	cfg, err := Load(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	return cfg
}

// Load parses args and the environment into a validated Config.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Version {
		return &cfg, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that flag tags cannot express.
func (c *Config) Validate() error {
	if c.Server.AuthToken == "" && !c.Maintenance.Active() {
		return errors.New("required flag `-t, --auth-token' or environment variable `MERIDIAN_AUTH_TOKEN` was not specified")
	}
	if c.A2S.Workers < 1 {
		return fmt.Errorf("a2s workers must be positive, got %d", c.A2S.Workers)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.FullInterval <= 0 {
		return fmt.Errorf("scheduler full interval must be positive, got %s", c.Scheduler.FullInterval)
	}
	if c.Storage.OptimizeHour < 0 || c.Storage.OptimizeHour > 23 {
		return fmt.Errorf("optimize hour must be within 0..23, got %d", c.Storage.OptimizeHour)
	}

	return nil
}
