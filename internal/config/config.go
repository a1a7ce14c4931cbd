package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jinzhu/copier"
)

// ProcessingMode selects how an archive in a watched directory is made
// available to the library.
type ProcessingMode string

const (
	// ModeExtract unpacks the archive into the target directory.
	ModeExtract ProcessingMode = "extract"
	// ModeMount serves the archive through an external mount tool.
	ModeMount ProcessingMode = "mount"
	// ModeVFS serves the archive through the in-process virtual file server.
	ModeVFS ProcessingMode = "vfs"
)

const (
	// GiB is one gibibyte.
	GiB int64 = 1 << 30
)

// Config represents the complete application configuration
type Config struct {
	Watch      []WatchDirConfig `yaml:"watch" mapstructure:"watch"`
	Scanner    ScannerConfig    `yaml:"scanner" mapstructure:"scanner"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Tools      ToolsConfig      `yaml:"tools" mapstructure:"tools"`
	VFS        VFSConfig        `yaml:"vfs" mapstructure:"vfs"`
	Quarantine QuarantineConfig `yaml:"quarantine" mapstructure:"quarantine"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Library    LibraryConfig    `yaml:"library" mapstructure:"library"`
	UPnP       UPnPConfig       `yaml:"upnp" mapstructure:"upnp"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WatchDirConfig represents one watched directory and where its archives go
type WatchDirConfig struct {
	Path      string         `yaml:"path" mapstructure:"path"`
	Mode      ProcessingMode `yaml:"mode" mapstructure:"mode"`
	TargetDir string         `yaml:"target_dir" mapstructure:"target_dir"`
	LibraryID string         `yaml:"library_id" mapstructure:"library_id"`
	Enabled   *bool          `yaml:"enabled" mapstructure:"enabled"`
}

// ScannerConfig represents completeness detection and retry registry settings
type ScannerConfig struct {
	StabilizationInterval time.Duration `yaml:"stabilization_interval" mapstructure:"stabilization_interval"`
	RetryInterval         time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxAttempts           int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxAgeHours           int           `yaml:"max_age_hours" mapstructure:"max_age_hours"`
	SweepSchedule         string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec, e.g. "@every 60s"
	ScanExisting          *bool         `yaml:"scan_existing" mapstructure:"scan_existing"`
}

// QueueConfig represents processing queue settings
type QueueConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	InterItemPause time.Duration `yaml:"inter_item_pause" mapstructure:"inter_item_pause"`
	StopTimeout    time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
}

// DispatchConfig holds the size thresholds that force extraction over
// direct serving.
type DispatchConfig struct {
	LargeContentBytes  int64 `yaml:"large_content_bytes" mapstructure:"large_content_bytes"`
	LargeVolumeCount   int   `yaml:"large_volume_count" mapstructure:"large_volume_count"`
	HugeContentBytes   int64 `yaml:"huge_content_bytes" mapstructure:"huge_content_bytes"`
	DirectWarningBytes int64 `yaml:"direct_warning_bytes" mapstructure:"direct_warning_bytes"`
}

// ToolsConfig represents external archive tool invocations. Arguments may
// contain the {archive} and {dest} placeholders.
type ToolsConfig struct {
	TestCommand    []string      `yaml:"test_command" mapstructure:"test_command"`
	ExtractCommand []string      `yaml:"extract_command" mapstructure:"extract_command"`
	MountCommand   []string      `yaml:"mount_command" mapstructure:"mount_command"`
	UnmountCommand []string      `yaml:"unmount_command" mapstructure:"unmount_command"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// VFSConfig represents the virtual file server configuration
type VFSConfig struct {
	Host             string   `yaml:"host" mapstructure:"host"` // advertised host in pointer files (empty = detect)
	BindAddress      string   `yaml:"bind_address" mapstructure:"bind_address"`
	PortRangeStart   int      `yaml:"port_range_start" mapstructure:"port_range_start"`
	PortRangeEnd     int      `yaml:"port_range_end" mapstructure:"port_range_end"`
	MediaExtensions  []string `yaml:"media_extensions" mapstructure:"media_extensions"`
	PointerExtension string   `yaml:"pointer_extension" mapstructure:"pointer_extension"`
	ChunkSize        int      `yaml:"chunk_size" mapstructure:"chunk_size"`
	MountBaseDir     string   `yaml:"mount_base_dir" mapstructure:"mount_base_dir"`
	LayoutCacheSize  int      `yaml:"layout_cache_size" mapstructure:"layout_cache_size"`
}

// QuarantineConfig represents the dead-letter location
type QuarantineConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LibraryConfig represents the library refresh collaborator
type LibraryConfig struct {
	URL                string        `yaml:"url" mapstructure:"url"`
	Token              string        `yaml:"token" mapstructure:"token"`
	ForcedRefreshDelay time.Duration `yaml:"forced_refresh_delay" mapstructure:"forced_refresh_delay"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// UPnPConfig represents NAT traversal configuration
type UPnPConfig struct {
	Enabled       *bool         `yaml:"enabled" mapstructure:"enabled"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries       int           `yaml:"retries" mapstructure:"retries"`
	LeaseDuration time.Duration `yaml:"lease_duration" mapstructure:"lease_duration"`
	Description   string        `yaml:"description" mapstructure:"description"`
	NATPMPGateway string        `yaml:"natpmp_gateway" mapstructure:"natpmp_gateway"`
}

// APIConfig represents the admin API configuration
type APIConfig struct {
	Enabled *bool  `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	var out Config
	if err := copier.CopyWithOption(&out, c, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched types; fall back to a shallow copy
		shallow := *c
		return &shallow
	}

	return &out
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration
func (c *Config) Validate() error {
	for i, w := range c.Watch {
		if w.Path == "" {
			return fmt.Errorf("watch[%d]: path cannot be empty", i)
		}
		switch w.Mode {
		case ModeExtract, ModeMount, ModeVFS:
		default:
			return fmt.Errorf("watch[%d]: mode must be one of: extract, mount, vfs", i)
		}
		if w.TargetDir == "" {
			return fmt.Errorf("watch[%d]: target_dir cannot be empty", i)
		}
	}

	if c.Scanner.StabilizationInterval <= 0 {
		return fmt.Errorf("scanner stabilization_interval must be greater than 0")
	}
	if c.Scanner.RetryInterval <= 0 {
		return fmt.Errorf("scanner retry_interval must be greater than 0")
	}
	if c.Scanner.MaxAttempts <= 0 {
		return fmt.Errorf("scanner max_attempts must be greater than 0")
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be greater than 0")
	}
	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("queue retry_delay cannot be negative")
	}

	if c.Dispatch.LargeContentBytes <= 0 || c.Dispatch.HugeContentBytes <= 0 {
		return fmt.Errorf("dispatch content thresholds must be greater than 0")
	}
	if c.Dispatch.LargeVolumeCount <= 0 {
		return fmt.Errorf("dispatch large_volume_count must be greater than 0")
	}

	if c.VFS.PortRangeStart <= 0 || c.VFS.PortRangeEnd > 65535 || c.VFS.PortRangeStart > c.VFS.PortRangeEnd {
		return fmt.Errorf("vfs port range must be within 1-65535 and start <= end")
	}
	if c.VFS.PointerExtension == "" {
		return fmt.Errorf("vfs pointer_extension cannot be empty")
	}
	for _, ext := range c.VFS.MediaExtensions {
		if strings.EqualFold(ext, c.VFS.PointerExtension) {
			return fmt.Errorf("vfs pointer_extension %s collides with a media extension", ext)
		}
	}

	if c.Quarantine.Dir == "" {
		return fmt.Errorf("quarantine dir cannot be empty")
	}

	if c.Log.Level != "" && !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return nil
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	scanExisting := true
	upnpEnabled := true
	apiEnabled := true

	return &Config{
		Watch: []WatchDirConfig{},
		Scanner: ScannerConfig{
			StabilizationInterval: 5 * time.Second,
			RetryInterval:         60 * time.Second,
			MaxAttempts:           30,
			MaxAgeHours:           24,
			SweepSchedule:         "@every 60s",
			ScanExisting:          &scanExisting,
		},
		Queue: QueueConfig{
			MaxAttempts:    3,
			RetryDelay:     5 * time.Minute,
			InterItemPause: time.Second,
			StopTimeout:    30 * time.Second,
		},
		Dispatch: DispatchConfig{
			LargeContentBytes:  8 * GiB,
			LargeVolumeCount:   15,
			HugeContentBytes:   15 * GiB,
			DirectWarningBytes: 5 * GiB,
		},
		Tools: ToolsConfig{
			TestCommand:    []string{"7z", "t", "-p", "{archive}"},
			ExtractCommand: []string{"7z", "x", "-y", "-p", "-o{dest}", "{archive}"},
			MountCommand:   []string{"rar2fs", "-f", "{archive}", "{dest}"},
			UnmountCommand: []string{"fusermount", "-u", "{dest}"},
			Timeout:        30 * time.Minute,
		},
		VFS: VFSConfig{
			Host:             "",
			BindAddress:      "0.0.0.0",
			PortRangeStart:   8765,
			PortRangeEnd:     8785,
			MediaExtensions:  []string{".mkv", ".mp4", ".avi", ".m4v", ".mov", ".ts", ".m2ts", ".wmv", ".mpg", ".mpeg", ".webm"},
			PointerExtension: ".strm",
			ChunkSize:        1 << 20,
			MountBaseDir:     "./mounts",
			LayoutCacheSize:  128,
		},
		Quarantine: QuarantineConfig{
			Dir: "./quarantine",
		},
		Database: DatabaseConfig{
			Path: "rarlink.db",
		},
		Library: LibraryConfig{
			ForcedRefreshDelay: 10 * time.Second,
			Timeout:            30 * time.Second,
		},
		UPnP: UPnPConfig{
			Enabled:       &upnpEnabled,
			Timeout:       3 * time.Second,
			Retries:       3,
			LeaseDuration: time.Hour,
			Description:   "rarlink",
		},
		API: APIConfig{
			Enabled: &apiEnabled,
			Address: "127.0.0.1:8780",
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			MaxSize:    100,    // 100MB max size
			MaxAge:     30,     // Keep for 30 days
			MaxBackups: 10,     // Keep 10 old files
			Compress:   true,   // Compress old files
		},
	}
}
