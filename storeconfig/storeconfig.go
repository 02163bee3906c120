// Package storeconfig declares the flag/env-tagged configuration
// surface for a litestore-backed process, following
// mainboilerplate.LogConfig's tagging convention and MustParseConfig's
// INI/env/flag layering.
package storeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"

	"go.litecore.dev/store/storelog"
)

// Config is the full external configuration surface: the database
// connection parameters, reader-pool sizing, write-lock timeout,
// tracing, and the embedded logging config.
type Config struct {
	DatabasePath string `long:"database-path" env:"DATABASE_PATH" description:"File path, ':memory:', or a 'file:name?mode=memory' shared in-memory DSN"`

	ReadOnly    bool `long:"read-only" env:"READ_ONLY" description:"Open the database read-only"`
	OpenURI     bool `long:"open-uri" env:"OPEN_URI" description:"Interpret database-path as a URI"`
	SharedCache bool `long:"shared-cache" env:"SHARED_CACHE" description:"Open with SQLite's shared-cache mode"`
	Memory      bool `long:"memory" env:"MEMORY" description:"Open an in-memory database"`

	StoreDateTimeAsTicks bool          `long:"store-datetime-as-ticks" env:"STORE_DATETIME_AS_TICKS" description:"Bind time.Time values as integer ticks instead of ISO-8601 text"`
	BusyTimeout          time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"Duration forwarded to sqlite3_busy_timeout"`

	Trace              bool          `long:"trace" env:"TRACE" description:"Emit one trace line per executed command"`
	TraceTime          bool          `long:"trace-time" env:"TRACE_TIME" description:"Emit elapsed-time trace lines"`
	TraceTimeExceeding time.Duration `long:"trace-time-exceeding" env:"TRACE_TIME_EXCEEDING" default:"100ms" description:"Threshold above which a timing trace line is emitted"`

	MinPoolSize int `long:"min-pool-size" env:"MIN_POOL_SIZE" default:"1" description:"Minimum number of pooled reader connections"`
	MaxPoolSize int `long:"max-pool-size" env:"MAX_POOL_SIZE" default:"4" description:"Maximum number of pooled reader connections"`

	DatabaseWriteLockTimeout time.Duration `long:"write-lock-timeout" env:"WRITE_LOCK_TIMEOUT" default:"30s" description:"Timeout waiting to acquire the writer lock"`
	Retries                  int           `long:"retries" env:"RETRIES" default:"10" description:"Retry budget for transient engine errors and write-lock timeouts"`

	CacheSizePages int `long:"cache-size-pages" env:"CACHE_SIZE_PAGES" default:"5000" description:"PRAGMA cache_size applied when each connection is opened; bootstrap then sets the writer's cache_size to 5000"`
	PageSize       int `long:"page-size" env:"PAGE_SIZE" description:"PRAGMA page_size applied at bootstrap, if nonzero"`

	Log storelog.Config `group:"Logging" namespace:"log"`
}

// MustParseConfig parses cfg from an optional INI file matching
// configName, environment bindings, and explicit flags, in that order
// of increasing precedence, following mainboilerplate.MustParseConfig's
// layering.
func MustParseConfig(cfg *Config, configName string) {
	var parser = flags.NewParser(cfg, flags.Default)

	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "litestore"),
	}
	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)
		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
