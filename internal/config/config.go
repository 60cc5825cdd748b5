// Package config loads and validates the command-line configuration for the
// lbs and ddbq daemons. Both daemons are long-lived, single-purpose
// processes configured by flags (matching kivaloo's own CLI surface)
// with a thin layer of environment-variable overrides for the ops
// surface (log level, metrics bind address) that operators expect to be
// able to set without touching a unit file's ExecStart line.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LBSConfig is the configuration for the kivaloo-lbs daemon: a
// log-structured block store listening on a single socket.
type LBSConfig struct {
	// Socket is the address the daemon listens on, "host:port" or a
	// filesystem path for a unix socket.
	Socket string `validate:"required"`

	// StorageDir is the directory containing the block log's segment
	// files.
	StorageDir string `validate:"required"`

	// BlockLen is the fixed block size in bytes, in [512, 131072].
	BlockLen int `validate:"min=512,max=131072"`

	// NReaders is the number of concurrent reader goroutines.
	NReaders int `validate:"min=1,max=1000"`

	// PidFile, if non-empty, receives the daemon's pid.
	PidFile string

	// ReadLatency is an artificial delay applied to GET completions,
	// in nanoseconds, for load testing. Must be in [0, 1e9).
	ReadLatency int `validate:"min=0,max=999999999"`

	// NoSync disables fsync after writes and deletes.
	NoSync bool

	// OneShot, set via -1, makes the daemon exit after serving exactly
	// one connection instead of accepting indefinitely. It exists for
	// tests and debugging, not production use.
	OneShot bool

	Observability ObservabilityConfig `validate:"dive"`
}

// DDBQConfig is the configuration for the kivaloo-dynamodb-kv daemon: a
// request queue and KV protocol bridge fronting a single DynamoDB table.
type DDBQConfig struct {
	// Socket is the address the daemon listens on.
	Socket string `validate:"required"`

	// Region is the AWS region hosting the table, e.g. "us-east-1".
	Region string `validate:"required"`

	// Table is the DynamoDB table name.
	Table string `validate:"required"`

	// KeyFile is the path to a file holding the AWS key ID and secret,
	// one per line.
	KeyFile string `validate:"required"`

	// LogFile, if non-empty, receives the per-request audit log.
	LogFile string

	// PidFile, if non-empty, receives the daemon's pid.
	PidFile string

	// OneShot, set via -1, makes the daemon exit after serving exactly
	// one connection instead of accepting indefinitely.
	OneShot bool

	Observability ObservabilityConfig `validate:"dive"`
}

// ObservabilityConfig controls the ambient concerns shared by both
// daemons: structured-log verbosity and the ops HTTP surface exposing
// health and Prometheus metrics.
type ObservabilityConfig struct {
	LogLevel   string `validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr string
}

// ParseLBSFlags parses os.Args[1:] into an LBSConfig and validates it.
// It mirrors kivaloo-lbs's own flag set: -s, -d, -b, -n, -p, -l, -L, -1.
func ParseLBSFlags(args []string) (LBSConfig, error) {
	fs := flag.NewFlagSet("kivaloo-lbs", flag.ContinueOnError)

	socket := fs.String("s", "", "listening socket address (required)")
	storageDir := fs.String("d", "", "storage directory (required)")
	blockLen := fs.Int("b", 0, "block size in bytes, in [512, 131072] (required)")
	nreaders := fs.Int("n", 16, "number of reader goroutines")
	pidfile := fs.String("p", "", "pidfile path")
	latency := fs.Int("l", 0, "artificial read latency in nanoseconds")
	nosync := fs.Bool("L", false, "disable fsync after writes")
	oneshot := fs.Bool("1", false, "exit after serving one connection")

	if err := fs.Parse(args); err != nil {
		return LBSConfig{}, err
	}
	if fs.NArg() != 0 {
		return LBSConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := LBSConfig{
		Socket:      *socket,
		StorageDir:  *storageDir,
		BlockLen:    *blockLen,
		NReaders:    *nreaders,
		PidFile:     *pidfile,
		ReadLatency: *latency,
		NoSync:      *nosync,
		OneShot:     *oneshot,
		Observability: ObservabilityConfig{
			LogLevel:    getEnvString("LBS_LOG_LEVEL", "info"),
			MetricsAddr: getEnvString("LBS_METRICS_ADDR", "127.0.0.1:9090"),
		},
	}

	if err := validateStruct(&cfg); err != nil {
		return LBSConfig{}, err
	}
	return cfg, nil
}

// ParseDDBQFlags parses os.Args[1:] into a DDBQConfig and validates it.
// It mirrors dynamodb-kv's own flag set: -s, -r, -t, -k, -l, -p, -1.
func ParseDDBQFlags(args []string) (DDBQConfig, error) {
	fs := flag.NewFlagSet("kivaloo-dynamodb-kv", flag.ContinueOnError)

	socket := fs.String("s", "", "listening socket address (required)")
	region := fs.String("r", "", "DynamoDB region (required)")
	table := fs.String("t", "", "DynamoDB table name (required)")
	keyfile := fs.String("k", "", "AWS key file path (required)")
	logfile := fs.String("l", "", "audit log file path")
	pidfile := fs.String("p", "", "pidfile path")
	oneshot := fs.Bool("1", false, "exit after serving one connection")

	if err := fs.Parse(args); err != nil {
		return DDBQConfig{}, err
	}
	if fs.NArg() != 0 {
		return DDBQConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := DDBQConfig{
		Socket:  *socket,
		Region:  *region,
		Table:   *table,
		KeyFile: *keyfile,
		LogFile: *logfile,
		PidFile: *pidfile,
		OneShot: *oneshot,
		Observability: ObservabilityConfig{
			LogLevel:    getEnvString("DDBQ_LOG_LEVEL", "info"),
			MetricsAddr: getEnvString("DDBQ_METRICS_ADDR", "127.0.0.1:9091"),
		},
	}

	if err := validateStruct(&cfg); err != nil {
		return DDBQConfig{}, err
	}
	return cfg, nil
}

func validateStruct(s any) error {
	v := validator.New()
	if err := v.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Namespace(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Namespace(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
