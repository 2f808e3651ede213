// Package scanner walks filesystem trees and feeds each regular file to
// a set of detection modules. Scan progress and detections are emitted
// as events to an EventSink, which in practice is the requesting
// client's queue.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clock"
	"pkt.systems/armadito/internal/svcfields"
	"pkt.systems/pslog"
)

// progressEvery controls how many scanned files pass between
// scan_progress events.
const progressEvery = 64

// Verdict is a single module's judgement on one file.
type Verdict struct {
	Malicious bool
	Signature string
}

// Module is one detection engine. ScanFile reads the file content from r
// and must not retain it past the call.
type Module interface {
	Name() string
	ScanFile(ctx context.Context, path string, r io.Reader) (Verdict, error)
}

// EventSink receives scan lifecycle events. Push reports false when the
// sink no longer accepts events, which cancels further delivery but not
// the scan itself.
type EventSink interface {
	Push(ev api.Event) bool
}

// Config wires a Scanner.
type Config struct {
	// Workers bounds concurrent file scans.
	Workers int
	// MaxFileSize skips regular files larger than this many bytes.
	// Zero means no limit.
	MaxFileSize int64
	Modules     []Module
	Logger      pslog.Logger
	Clock       clock.Clock
}

// Report summarizes one completed Scan call.
type Report struct {
	Path       string
	Files      uint64
	Skipped    uint64
	Detections uint64
	Errors     uint64
}

// Stats is the cumulative counter snapshot across all scans.
type Stats struct {
	Scans      uint64
	Files      uint64
	Detections uint64
	Errors     uint64
}

// Scanner runs filesystem scans. One Scanner serves the whole process;
// each Scan call walks independently and only the counters are shared.
type Scanner struct {
	workers     int
	maxFileSize int64
	modules     []Module
	logger      pslog.Logger
	clock       clock.Clock

	scans      atomic.Uint64
	files      atomic.Uint64
	detections atomic.Uint64
	errors     atomic.Uint64
}

// New builds a Scanner from cfg, applying defaults for zero fields.
func New(cfg Config) *Scanner {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	modules := cfg.Modules
	if len(modules) == 0 {
		modules = []Module{EICAR()}
	}
	return &Scanner{
		workers:     workers,
		maxFileSize: cfg.MaxFileSize,
		modules:     modules,
		logger:      svcfields.WithSubsystem(logger, "scanner"),
		clock:       cl,
	}
}

// Stats returns the cumulative counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Scans:      s.scans.Load(),
		Files:      s.files.Load(),
		Detections: s.detections.Load(),
		Errors:     s.errors.Load(),
	}
}

// Scan walks root and scans every regular file with every module,
// emitting events to sink along the way. Walk errors on individual
// entries are counted and skipped; only a root-level failure or context
// cancellation aborts the scan.
func (s *Scanner) Scan(ctx context.Context, root string, sink EventSink) (Report, error) {
	s.scans.Add(1)
	s.emit(sink, api.EventScanStart, map[string]any{"path": root})

	var rep Report
	rep.Path = root

	var files, skipped, detections, errCount atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errCount.Add(1)
			s.logger.Warn("cannot access path during scan", "path", path, "error", err)
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.maxFileSize > 0 {
			info, infoErr := d.Info()
			if infoErr != nil {
				errCount.Add(1)
				return nil
			}
			if info.Size() > s.maxFileSize {
				skipped.Add(1)
				return nil
			}
		}
		g.Go(func() error {
			detected, err := s.scanFile(gctx, path, sink)
			if err != nil {
				errCount.Add(1)
				s.logger.Warn("file scan failed", "path", path, "error", err)
				return nil
			}
			n := files.Add(1)
			if detected {
				detections.Add(1)
			}
			if n%progressEvery == 0 {
				s.emit(sink, api.EventScanProgress, map[string]any{
					"path":  root,
					"files": n,
				})
			}
			return nil
		})
		return nil
	})

	groupErr := g.Wait()

	rep.Files = files.Load()
	rep.Skipped = skipped.Load()
	rep.Detections = detections.Load()
	rep.Errors = errCount.Load()

	s.files.Add(rep.Files)
	s.detections.Add(rep.Detections)
	s.errors.Add(rep.Errors)

	s.emit(sink, api.EventScanEnd, map[string]any{
		"path":       root,
		"files":      rep.Files,
		"skipped":    rep.Skipped,
		"detections": rep.Detections,
		"errors":     rep.Errors,
	})

	if walkErr != nil {
		return rep, fmt.Errorf("scan %s: %w", root, walkErr)
	}
	if groupErr != nil {
		return rep, fmt.Errorf("scan %s: %w", root, groupErr)
	}
	s.logger.Info("scan completed",
		"path", root,
		"files", rep.Files,
		"detections", rep.Detections,
		"errors", rep.Errors)
	return rep, nil
}

func (s *Scanner) scanFile(ctx context.Context, path string, sink EventSink) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	detected := false
	for _, mod := range s.modules {
		verdict, err := mod.ScanFile(ctx, path, bytes.NewReader(content))
		if err != nil {
			return detected, fmt.Errorf("module %s: %w", mod.Name(), err)
		}
		if verdict.Malicious {
			detected = true
			s.logger.Info("detection",
				"path", path,
				"module", mod.Name(),
				"signature", verdict.Signature)
			s.emit(sink, api.EventDetection, map[string]any{
				"path":      path,
				"module":    mod.Name(),
				"signature": verdict.Signature,
			})
		}
	}
	return detected, nil
}

func (s *Scanner) emit(sink EventSink, eventType string, data map[string]any) {
	if sink == nil {
		return
	}
	sink.Push(api.Event{
		Type:          eventType,
		TimestampUnix: s.clock.Now().Unix(),
		Data:          data,
	})
}
