package storage

import (
	"context"
	"fmt"

	"nvr-engine/database"

	"github.com/shirou/gopsutil/v3/disk"
)

const bytesPerGB = 1024 * 1024 * 1024

// DiskUsage is the usage of the volume holding a path
type DiskUsage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskUsageProbe reads volume usage for a path
type DiskUsageProbe interface {
	Usage(ctx context.Context, path string) (DiskUsage, error)
}

// GopsutilProbe reads volume usage through gopsutil
type GopsutilProbe struct{}

// Usage implements DiskUsageProbe
func (GopsutilProbe) Usage(ctx context.Context, path string) (DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("%w: disk usage of %s: %v", ErrFilesystem, path, err)
	}
	return DiskUsage{
		Path:        u.Path,
		Fstype:      u.Fstype,
		TotalBytes:  u.Total,
		UsedBytes:   u.Used,
		FreeBytes:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

// StorageCapSource supplies an optional storage cap in GB, 0 meaning none
type StorageCapSource interface {
	StorageCapGB() float64
}

// DiskManager reports how full the recording storage is. Without a cap this is
// the volume usage. With a cap, inventory bytes against the cap count too and
// the higher percentage wins.
type DiskManager struct {
	root  string
	probe DiskUsageProbe
	db    database.Database
	caps  StorageCapSource
}

// NewDiskManager creates a new disk manager for the storage root. caps may be nil.
func NewDiskManager(root string, probe DiskUsageProbe, db database.Database, caps StorageCapSource) *DiskManager {
	if probe == nil {
		probe = GopsutilProbe{}
	}
	return &DiskManager{root: root, probe: probe, db: db, caps: caps}
}

// DiskStats is the storage picture reported by the health endpoint
type DiskStats struct {
	Volume         DiskUsage `json:"volume"`
	CapGB          float64   `json:"capGb,omitempty"`
	InventoryBytes int64     `json:"inventoryBytes"`
	UsedPercent    float64   `json:"usedPercent"`
}

// Stats returns volume usage, inventory size and the effective usage percent
func (dm *DiskManager) Stats(ctx context.Context) (DiskStats, error) {
	volume, err := dm.probe.Usage(ctx, dm.root)
	if err != nil {
		return DiskStats{}, err
	}
	stats := DiskStats{Volume: volume, UsedPercent: volume.UsedPercent}

	if dm.db != nil {
		total, err := dm.db.GetRecordingsTotalSize()
		if err != nil {
			return stats, err
		}
		stats.InventoryBytes = total
	}
	if dm.caps != nil {
		stats.CapGB = dm.caps.StorageCapGB()
	}
	if stats.CapGB > 0 {
		capped := float64(stats.InventoryBytes) / (stats.CapGB * bytesPerGB) * 100
		if capped > stats.UsedPercent {
			stats.UsedPercent = capped
		}
	}
	return stats, nil
}

// UsedPercent returns the effective usage percent of the recording storage
func (dm *DiskManager) UsedPercent(ctx context.Context) (float64, error) {
	stats, err := dm.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.UsedPercent, nil
}
