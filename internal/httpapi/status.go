package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/clock"
	"pkt.systems/armadito/internal/scanner"
)

// statusEndpoint reports service health. Memory probes are best effort;
// a platform where they fail just omits the memory block.
type statusEndpoint struct {
	clients   *clients.Registry
	scanner   *scanner.Scanner
	clock     clock.Clock
	startTime time.Time
	version   string
}

func (e *statusEndpoint) process(ctx context.Context, _ *http.Request, _ any) (any, error) {
	resp := api.StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(e.clock.Now().Sub(e.startTime).Seconds()),
		Clients:       e.clients.Len(),
		Version:       e.version,
	}
	if e.scanner != nil {
		stats := e.scanner.Stats()
		resp.Scans = api.ScanStats{
			Scans:      stats.Scans,
			Files:      stats.Files,
			Detections: stats.Detections,
			Errors:     stats.Errors,
		}
	}
	resp.Memory = memoryStats(ctx)
	return resp, nil
}

func memoryStats(ctx context.Context) *api.MemoryStats {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil
	}
	stats := &api.MemoryStats{HostUsedPercent: vm.UsedPercent}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.ProcessRSSBytes = info.RSS
	}
	return stats
}

// browseEndpoint lists a directory under the configured root. Paths are
// resolved relative to the root and must not escape it.
type browseEndpoint struct {
	root string
}

func (e *browseEndpoint) process(_ context.Context, r *http.Request, _ any) (any, error) {
	rel := r.URL.Query().Get("path")
	target, err := e.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", target, err)
	}
	resp := api.BrowseResponse{
		Path:    target,
		Entries: make([]api.BrowseEntry, 0, len(entries)),
	}
	for _, entry := range entries {
		be := api.BrowseEntry{Name: entry.Name(), Type: "other"}
		switch {
		case entry.IsDir():
			be.Type = "dir"
		case entry.Type().IsRegular():
			be.Type = "file"
			if info, err := entry.Info(); err == nil {
				be.Size = info.Size()
			}
		}
		resp.Entries = append(resp.Entries, be)
	}
	return resp, nil
}

func (e *browseEndpoint) resolve(rel string) (string, error) {
	target := filepath.Join(e.root, filepath.FromSlash(rel))
	target = filepath.Clean(target)
	root := filepath.Clean(e.root)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("browse: path %q escapes the browse root", rel)
	}
	return target, nil
}
