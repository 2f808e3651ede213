package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"pkt.systems/armadito/api"
	"pkt.systems/armadito/internal/clients"
	"pkt.systems/armadito/internal/scanner"
	"pkt.systems/pslog"
)

// scanEndpoint schedules asynchronous scans. The scan runs on the
// server base context so a finished request does not cancel it; events
// flow to the requesting client's queue until the scan ends or the
// client unregisters.
type scanEndpoint struct {
	clients *clients.Registry
	scanner *scanner.Scanner
	baseCtx context.Context
	logger  pslog.Logger
}

// check validates the request document before process runs. The
// document must be a JSON object with a non-empty string "path".
func (e *scanEndpoint) check(_ *http.Request, doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return errors.New("request document is not a JSON object")
	}
	path, ok := obj["path"].(string)
	if !ok || path == "" {
		return errors.New("request document is missing a path")
	}
	return nil
}

func (e *scanEndpoint) process(_ context.Context, r *http.Request, doc any) (any, error) {
	path := doc.(map[string]any)["path"].(string)
	client, err := e.clients.Get(r.Header.Get(api.TokenHeader))
	if err != nil {
		return nil, fmt.Errorf("schedule scan: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("schedule scan: %w", err)
	}
	go func() {
		if _, err := e.scanner.Scan(e.baseCtx, path, client); err != nil {
			e.logger.Warn("scan failed", "path", path, "error", err)
		}
	}()
	e.logger.Info("scan scheduled", "path", path, "token", client.Token())
	return api.ScanResponse{Status: "scheduled", Path: path}, nil
}
