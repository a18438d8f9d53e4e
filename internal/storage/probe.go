// Package storage probes filesystem capacity for the configured storage paths.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Path is one configured storage location. Threshold caps how much of the
// volume the node may consider usable, in percent.
type Path struct {
	Path      string
	Threshold int
}

type Probe struct {
	usage      func(path string) (*disk.UsageStat, error)
	partitions func(all bool) ([]disk.PartitionStat, error)
}

func NewProbe() *Probe {
	return &Probe{
		usage:      disk.Usage,
		partitions: disk.Partitions,
	}
}

// Available reports the usable free bytes on path: the smaller of the
// filesystem's free space and threshold percent of its total size.
func (p *Probe) Available(path string, thresholdPct int) (uint64, error) {
	stat, err := p.usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	capped := stat.Total / 100 * uint64(thresholdPct)
	if stat.Free < capped {
		return stat.Free, nil
	}
	return capped, nil
}

// MostFree returns the configured path with the largest usable free space.
func (p *Probe) MostFree(paths []Path) (Path, uint64, error) {
	if len(paths) == 0 {
		return Path{}, 0, fmt.Errorf("no storage paths configured")
	}

	var best Path
	var bestFree uint64
	found := false
	for _, sp := range paths {
		free, err := p.Available(sp.Path, sp.Threshold)
		if err != nil {
			return Path{}, 0, err
		}
		if !found || free > bestFree {
			best = sp
			bestFree = free
			found = true
		}
	}
	return best, bestFree, nil
}

// TotalAvailable sums the usable free space across all configured paths.
func (p *Probe) TotalAvailable(paths []Path) (uint64, error) {
	var total uint64
	for _, sp := range paths {
		free, err := p.Available(sp.Path, sp.Threshold)
		if err != nil {
			return 0, err
		}
		total += free
	}
	return total, nil
}

// TotalCapacity sums the raw filesystem sizes across all configured paths.
func (p *Probe) TotalCapacity(paths []Path) (uint64, error) {
	var total uint64
	for _, sp := range paths {
		stat, err := p.usage(sp.Path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", sp.Path, err)
		}
		total += stat.Total
	}
	return total, nil
}

// DistinctMounts verifies that every path resolves to a different filesystem
// mount. Two configured paths on one volume would double-count capacity.
func (p *Probe) DistinctMounts(paths []string) error {
	parts, err := p.partitions(true)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		mount := mountpointFor(path, parts)
		if prev, ok := seen[mount]; ok {
			return fmt.Errorf("storage paths %s and %s share mount %s", prev, path, mount)
		}
		seen[mount] = path
	}
	return nil
}

// mountpointFor picks the longest mountpoint that prefixes path. Falls back
// to "/" when nothing matches.
func mountpointFor(path string, parts []disk.PartitionStat) string {
	path = filepath.Clean(path)
	best := "/"
	for _, part := range parts {
		mp := filepath.Clean(part.Mountpoint)
		if len(mp) <= len(best) {
			continue
		}
		if path == mp || strings.HasPrefix(path, mp+string(filepath.Separator)) {
			best = mp
		}
	}
	return best
}
