package core

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// Astrion server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Name of this server as announced to discovery probes and status requests.
	ServerName string `mapstructure:"server_name"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Network struct {
		// Port on which the server accepts game connections (TCP) and
		// answers discovery probes (UDP).
		Port int `mapstructure:"port"`
		// Maximum number of concurrent connections (pending plus players)
		// the server will allow. 0 leaves it unbounded.
		MaxConnections int `mapstructure:"max_connections"`
		// Maximum number of accepted connections that have not yet been
		// bound to a player. 0 leaves the pending set unbounded.
		MaxPending int `mapstructure:"max_pending"`
		// Seconds a connection may sit unbound to a player before the
		// server drops it. 0 disables the reaper.
		PendingTimeoutSeconds int `mapstructure:"pending_timeout_seconds"`
		// Number of outbound messages buffered per connection before the
		// server considers the peer too slow and disconnects it.
		SendQueueSize int `mapstructure:"send_queue_size"`
		// Upper bound on a single message frame.
		MaxFrameBytes int `mapstructure:"max_frame_bytes"`
		// Number of malformed frames tolerated per connection within the
		// strike window before the connection is dropped. 0 tolerates any
		// number of malformed frames.
		MalformedStrikeLimit int `mapstructure:"malformed_strike_limit"`
		// Seconds before a connection's malformed-frame strikes expire.
		MalformedStrikeWindowSeconds int `mapstructure:"malformed_strike_window_seconds"`
	} `mapstructure:"network"`

	Game struct {
		// Name of the game announced in the lobby and to discovery probes.
		Name string `mapstructure:"name"`
		// Maximum number of players the coordinator will admit.
		MaxPlayers int `mapstructure:"max_players"`
	} `mapstructure:"game"`

	Database struct {
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for astrion.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log every decoded message to the server log.
		MessageLoggingEnabled bool `mapstructure:"message_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "ASTRION"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// ListenAddress returns the host:port pair on which the server listens for
// both TCP game connections and UDP discovery probes.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Network.Port)
}
