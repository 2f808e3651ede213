// Package api defines the wire types and protocol constants shared by the
// armadito service and its clients. Every response body on the wire is one
// of these structs (or a bare JSON object) encoded as application/json.
package api

// TokenHeader carries the client session token on every request to a
// token-protected endpoint. The server only checks presence before
// dispatch; individual endpoints decide what an unknown token means.
const TokenHeader = "X-Armadito-Token"

// VersionHeader advertises the API revision on every enveloped response.
const VersionHeader = "X-Armadito-Api-Version"

// Version is the current API revision string sent in VersionHeader.
const Version = "armadito.v0"

// ErrorBody is the canned error shape used for protocol-level rejections
// and for the 500 envelope. Data carries the endpoint's partial response
// document when one exists.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RegisterResponse is returned by GET /register with a freshly minted
// session token.
type RegisterResponse struct {
	Token string `json:"token"`
}

// UnregisterResponse is returned by GET /unregister.
type UnregisterResponse struct {
	Status string `json:"status"`
}

// PingResponse is returned by GET /ping.
type PingResponse struct {
	Status string `json:"status"`
}

// ScanRequest is the document POSTed to /scan.
type ScanRequest struct {
	Path string `json:"path"`
}

// ScanResponse acknowledges a scheduled scan.
type ScanResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// Event types delivered on GET /event while a scan runs.
const (
	EventScanStart    = "scan_start"
	EventScanProgress = "scan_progress"
	EventDetection    = "detection"
	EventScanEnd      = "scan_end"
)

// Event is a single item from a client's event queue. Data is
// type-specific: paths and counters for progress events, the module and
// signature names for detections.
type Event struct {
	Type          string         `json:"event_type"`
	TimestampUnix int64          `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// ScanStats is the cumulative scan counter block in StatusResponse.
type ScanStats struct {
	Scans      uint64 `json:"scans"`
	Files      uint64 `json:"files"`
	Detections uint64 `json:"detections"`
	Errors     uint64 `json:"errors"`
}

// MemoryStats reports process and host memory usage in StatusResponse.
// Absent when the platform probes fail.
type MemoryStats struct {
	ProcessRSSBytes uint64  `json:"process_rss_bytes"`
	HostUsedPercent float64 `json:"host_used_percent"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Clients       int          `json:"clients"`
	Scans         ScanStats    `json:"scans"`
	Memory        *MemoryStats `json:"memory,omitempty"`
	Version       string       `json:"version"`
}

// BrowseEntry is one directory member in a BrowseResponse. Type is
// "dir", "file" or "other".
type BrowseEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// BrowseResponse is returned by GET /browse.
type BrowseResponse struct {
	Path    string        `json:"path"`
	Entries []BrowseEntry `json:"entries"`
}

// VersionResponse is returned by GET /version.
type VersionResponse struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
}
