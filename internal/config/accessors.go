package config

import "time"

// Accessor methods with default fallbacks for optional settings.

// IsEnabled reports whether the watch directory is active. Unset means enabled.
func (w WatchDirConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// ActiveWatchDirs returns the enabled watch directories.
func (c *Config) ActiveWatchDirs() []WatchDirConfig {
	out := make([]WatchDirConfig, 0, len(c.Watch))
	for _, w := range c.Watch {
		if w.IsEnabled() {
			out = append(out, w)
		}
	}
	return out
}

// GetScanExisting returns whether existing files are scanned at startup.
func (c *Config) GetScanExisting() bool {
	if c.Scanner.ScanExisting == nil {
		return true
	}
	return *c.Scanner.ScanExisting
}

// GetMaxAge returns the retry registry max age as a duration.
func (c *Config) GetMaxAge() time.Duration {
	if c.Scanner.MaxAgeHours <= 0 {
		return 24 * time.Hour // Default: 24 hours
	}
	return time.Duration(c.Scanner.MaxAgeHours) * time.Hour
}

// GetSweepSchedule returns the retry sweep cron spec with a default fallback.
func (c *Config) GetSweepSchedule() string {
	if c.Scanner.SweepSchedule == "" {
		return "@every 60s"
	}
	return c.Scanner.SweepSchedule
}

// GetToolTimeout returns the external tool timeout with a default fallback.
func (c *Config) GetToolTimeout() time.Duration {
	if c.Tools.Timeout <= 0 {
		return 30 * time.Minute
	}
	return c.Tools.Timeout
}

// GetQueueStopTimeout returns the bounded wait used on queue shutdown.
func (c *Config) GetQueueStopTimeout() time.Duration {
	if c.Queue.StopTimeout <= 0 {
		return 30 * time.Second
	}
	return c.Queue.StopTimeout
}

// GetChunkSize returns the virtual file server read chunk size.
func (c *Config) GetChunkSize() int {
	if c.VFS.ChunkSize <= 0 {
		return 1 << 20 // Default: 1 MiB
	}
	return c.VFS.ChunkSize
}

// GetLayoutCacheSize returns the number of archive layouts kept in memory.
func (c *Config) GetLayoutCacheSize() int {
	if c.VFS.LayoutCacheSize <= 0 {
		return 128
	}
	return c.VFS.LayoutCacheSize
}

// IsUPnPEnabled returns whether NAT traversal is attempted at startup.
func (c *Config) IsUPnPEnabled() bool {
	return c.UPnP.Enabled != nil && *c.UPnP.Enabled
}

// GetLeaseDuration returns the port mapping lease with a default fallback.
func (c *Config) GetLeaseDuration() time.Duration {
	if c.UPnP.LeaseDuration <= 0 {
		return time.Hour
	}
	return c.UPnP.LeaseDuration
}

// IsAPIEnabled returns whether the admin API is served.
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled == nil || *c.API.Enabled
}

// IsLibraryEnabled returns whether a library refresh endpoint is configured.
func (c *Config) IsLibraryEnabled() bool {
	return c.Library.URL != ""
}
