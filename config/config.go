package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrFatalConfig wraps every configuration problem that must abort a run
// before the first request is issued.
var ErrFatalConfig = errors.New("fatal config")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the run configuration. A value is built once per run and
// passed explicitly to every component that needs it.
type Config struct {
	Platform      string
	SelectorsFile string
	Queries       []string

	// PriceBands are ascending thresholds. With MinPrice 0 and bands
	// [15000 30000] the planner emits 0-14999, 15000-29999 and 30000+.
	PriceBands []int
	MinPrice   int

	PageSize               int // 0 uses the selector table's page size
	MaxPages               int
	MaxPageRetries         int
	MaxConsecutiveFailures int
	Parallelism            int

	Timeout     time.Duration
	Delay       time.Duration
	RandomDelay time.Duration
	HostRate    float64 // requests per second per host, 0 disables the limiter
	HostBurst   int

	Retry      RetryPolicy
	Identities []Identity
	Backend    string // http or browser

	StorageDSN         string
	Table              string
	CreateSchema       bool
	BatchSize          int
	PipelineBufferSize int

	OutputFile   string
	OutputFormat string // "", csv, json, or dual
	MetricsAddr  string

	Verbose          bool
	RespectRobotsTxt bool
}

// DefaultConfig returns conservative defaults for a single sequential worker.
func DefaultConfig() *Config {
	return &Config{
		Platform:               "flipkart",
		Queries:                []string{"television"},
		PriceBands:             []int{15000, 30000, 50000, 100000},
		MinPrice:               0,
		MaxPages:               40,
		MaxPageRetries:         2,
		MaxConsecutiveFailures: 3,
		Parallelism:            1,
		Timeout:                30 * time.Second,
		Delay:                  2 * time.Second,
		RandomDelay:            3 * time.Second,
		HostRate:               0.5,
		HostBurst:              1,
		Retry:                  DefaultRetryPolicy(),
		Identities:             DefaultIdentities(),
		Backend:                "http",
		StorageDSN:             "sqlite://output/products.db",
		Table:                  "products",
		CreateSchema:           true,
		BatchSize:              24,
		PipelineBufferSize:     256,
		OutputFile:             "",
		OutputFormat:           "",
		MetricsAddr:            "",
		Verbose:                false,
		RespectRobotsTxt:       false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Platform) == "" {
		return fmt.Errorf("platform cannot be empty")
	}
	if len(c.Queries) == 0 {
		return fmt.Errorf("at least one query is required")
	}
	for _, q := range c.Queries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("queries cannot contain empty terms")
		}
	}

	if c.MinPrice < 0 {
		return fmt.Errorf("min price cannot be negative")
	}
	prev := c.MinPrice
	for i, band := range c.PriceBands {
		if band <= prev {
			return fmt.Errorf("price band %d (%d) must be greater than %d", i, band, prev)
		}
		prev = band
	}

	if c.PageSize < 0 {
		return fmt.Errorf("page size cannot be negative")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxPageRetries < 0 {
		return fmt.Errorf("max page retries cannot be negative")
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.HostRate < 0 {
		return fmt.Errorf("host rate cannot be negative")
	}
	if c.HostRate > 0 && c.HostBurst <= 0 {
		return fmt.Errorf("host burst must be positive when host rate is set")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if len(c.Identities) == 0 {
		return fmt.Errorf("identity pool cannot be empty")
	}
	for i, id := range c.Identities {
		if strings.TrimSpace(id.UserAgent) == "" {
			return fmt.Errorf("identity %d has no user agent", i)
		}
	}
	if c.Backend != "http" && c.Backend != "browser" {
		return fmt.Errorf("backend must be http or browser")
	}

	if strings.TrimSpace(c.StorageDSN) == "" {
		return fmt.Errorf("storage DSN cannot be empty")
	}
	if !ValidIdentifier(c.Table) {
		return fmt.Errorf("table name %q is not a plain identifier", c.Table)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}

	switch c.OutputFormat {
	case "":
	case "csv", "json", "dual":
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty when an output format is set")
		}
	default:
		return fmt.Errorf("output format must be csv, json, or dual")
	}

	return nil
}

// ValidIdentifier reports whether name is safe to splice into SQL as a table
// name.
func ValidIdentifier(name string) bool {
	return tableNamePattern.MatchString(name)
}

// Fatal wraps err so callers can detect run-aborting configuration errors
// with errors.Is(err, ErrFatalConfig).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatalConfig) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalConfig, err)
}
