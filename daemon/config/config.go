// Package config provides the configuration of the image daemon.
//
// Configuration is read from an optional JSON file and merged over the
// built-in defaults; command line flags override both. The same JSON
// names are used for the file keys and the flags.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

const (
	// DefaultCacheSlotSize is the largest value stored in a single
	// cache slot; larger values are chunked.
	DefaultCacheSlotSize = 1 * units.MiB

	// DefaultMaxChunks bounds the number of slots one cached value
	// may occupy.
	DefaultMaxChunks = 32

	// DefaultWaitBudget is how long a request waits for another
	// worker to finish generating the same derivative.
	DefaultWaitBudget = 30 * time.Second

	// DefaultTaskKeepFor is how long completed task records are
	// retained before the sweeper purges them.
	DefaultTaskKeepFor = 10 * time.Minute
)

// Config defines the configuration of the image daemon. It includes
// json tags to deserialize configuration from a file using the same
// names that the flags in the command line use.
type Config struct {
	// Addresses and roots
	ListenAddr   string `json:"listen,omitempty"`
	ImagesRoot   string `json:"images-root,omitempty"`
	TemplatesDir string `json:"templates-dir,omitempty"`
	ICCDir       string `json:"icc-dir,omitempty"`
	TempDir      string `json:"temp-dir,omitempty"`

	// Derivative cache
	CacheCapacity   int64 `json:"cache-capacity,omitempty"`
	CacheSlotSize   int   `json:"cache-slot-size,omitempty"`
	CacheMaxChunks  int   `json:"cache-max-chunks,omitempty"`
	WaitBudgetSecs  int   `json:"wait-budget-secs,omitempty"`
	SearchCandidates int  `json:"search-candidates,omitempty"`

	// Imaging defaults applied to requests that leave them unset.
	DefaultFormat     string `json:"default-format,omitempty"`
	DefaultColorspace string `json:"default-colorspace,omitempty"`
	DefaultStrip      bool   `json:"default-strip,omitempty"`
	DefaultDPI        int    `json:"default-dpi,omitempty"`
	DefaultQuality    int    `json:"default-quality,omitempty"`
	DefaultExpirySecs int    `json:"default-expiry-secs,omitempty"`

	// Auto-pyramid
	PyramidEnabled     bool  `json:"pyramid,omitempty"`
	PyramidMinPixels   int64 `json:"pyramid-min-pixels,omitempty"`
	PyramidFloorPixels int   `json:"pyramid-floor-pixels,omitempty"`

	// Task server
	TaskListenAddr   string `json:"task-listen,omitempty"`
	TaskDBPath       string `json:"task-db,omitempty"`
	TaskWorkers      int    `json:"task-workers,omitempty"`
	TaskKeepForSecs  int    `json:"task-keep-for-secs,omitempty"`
	HousekeepingSecs int    `json:"housekeeping-secs,omitempty"`

	// PDF handling (disabled automatically when the codec back end
	// reports no support).
	PDFBurstDPI int `json:"pdf-burst-dpi,omitempty"`

	// Permissions
	PublicAccessLevel string `json:"public-access-level,omitempty"`
}

// New returns a Config with the built-in defaults applied.
func New() *Config {
	return &Config{
		ListenAddr:         ":8080",
		ImagesRoot:         "/var/lib/imgd/images",
		TemplatesDir:       "/etc/imgd/templates",
		ICCDir:             "/etc/imgd/icc",
		TempDir:            os.TempDir(),
		CacheCapacity:      512 * units.MiB,
		CacheSlotSize:      DefaultCacheSlotSize,
		CacheMaxChunks:     DefaultMaxChunks,
		WaitBudgetSecs:     int(DefaultWaitBudget / time.Second),
		SearchCandidates:   100,
		DefaultFormat:      "jpg",
		DefaultColorspace:  "rgb",
		DefaultStrip:       false,
		DefaultDPI:         0,
		DefaultQuality:     80,
		DefaultExpirySecs:  604800, // 7 days
		PyramidEnabled:     true,
		PyramidMinPixels:   1000000,
		PyramidFloorPixels: 512,
		TaskListenAddr:     "127.0.0.1:8085",
		TaskDBPath:         "/var/lib/imgd/tasks.db",
		TaskWorkers:        4,
		TaskKeepForSecs:    int(DefaultTaskKeepFor / time.Second),
		HousekeepingSecs:   int(24 * time.Hour / time.Second),
		PDFBurstDPI:        150,
		PublicAccessLevel:  "view",
	}
}

// Load reads the given JSON configuration file and merges it over conf.
// Keys absent from the file keep their current values.
func Load(conf *Config, configFile string) error {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "unable to read config file %s", configFile)
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(conf); err != nil {
		return errors.Wrapf(err, "unable to parse config file %s", configFile)
	}
	return nil
}

// Validate checks the configuration for impossible values. It is called
// once at startup; runtime components trust a validated Config.
func (conf *Config) Validate() error {
	if conf.ImagesRoot == "" {
		return errors.New("images-root must be set")
	}
	if !filepath.IsAbs(conf.ImagesRoot) {
		return errors.Errorf("images-root must be an absolute path: %s", conf.ImagesRoot)
	}
	if conf.CacheSlotSize <= 0 {
		return errors.Errorf("cache-slot-size must be positive: %d", conf.CacheSlotSize)
	}
	if conf.CacheMaxChunks < 1 {
		return errors.Errorf("cache-max-chunks must be at least 1: %d", conf.CacheMaxChunks)
	}
	if conf.CacheCapacity < int64(conf.CacheSlotSize) {
		return errors.Errorf("cache-capacity %d is smaller than one slot", conf.CacheCapacity)
	}
	if conf.DefaultQuality < 1 || conf.DefaultQuality > 100 {
		return errors.Errorf("default-quality must be in 1..100: %d", conf.DefaultQuality)
	}
	if conf.TaskWorkers < 1 {
		return errors.Errorf("task-workers must be at least 1: %d", conf.TaskWorkers)
	}
	switch conf.PublicAccessLevel {
	case "none", "view", "download", "edit", "upload", "delete", "create", "delete-folder":
	default:
		return errors.Errorf("unknown public-access-level %q", conf.PublicAccessLevel)
	}
	return nil
}

// WaitBudget returns the stampede wait budget clamped to a sane range.
// Clients re-read the cache at ~1Hz while waiting, so budgets below ten
// seconds thrash and budgets above two minutes hold connections open
// for too long.
func (conf *Config) WaitBudget() time.Duration {
	d := time.Duration(conf.WaitBudgetSecs) * time.Second
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	if d > 120*time.Second {
		d = 120 * time.Second
	}
	return d
}

// TaskKeepFor returns the retention period for completed tasks.
func (conf *Config) TaskKeepFor() time.Duration {
	return time.Duration(conf.TaskKeepForSecs) * time.Second
}

// HousekeepingInterval returns the interval between housekeeping runs.
func (conf *Config) HousekeepingInterval() time.Duration {
	return time.Duration(conf.HousekeepingSecs) * time.Second
}
