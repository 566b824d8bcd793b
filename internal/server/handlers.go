// Package server exposes the firmware upload gateway over HTTP: the status
// page, the streaming multipart upload endpoint, the JSON status and session
// APIs, artifact downloads, and the websocket progress feed.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/report"
	"example.com/hsmgate/internal/upload"
)

// Server coordinates HTTP handlers around the single upload session and
// manages the artifacts recorded for finished sessions.
type Server struct {
	opts      Options
	gatewayID string

	// session is the one upload in flight; uploadMu serializes POSTs. A
	// TryLock failure is reported as 409 rather than corrupting the
	// session (the machine is single-flight by design).
	session  *upload.Session
	uploadMu sync.Mutex

	journal *common.Journal
	metrics *common.Metrics

	artifacts *ArtifactStore
	storage   string

	page *statusPage

	// progress is the snapshot published for observers: the status API and
	// the websocket feed read it without touching the session.
	progress atomic.Pointer[ProgressSnapshot]

	sessionsMu sync.RWMutex
	sessions   []SessionSummary
}

// ProgressSnapshot is the observer-safe view of the upload in flight, plus
// the terminal line of the last finished one.
type ProgressSnapshot struct {
	Active        bool   `json:"active"`
	SessionID     string `json:"session_id,omitempty"`
	State         string `json:"state"`
	ManifestBytes int    `json:"manifest_bytes"`
	FirmwareBytes int64  `json:"firmware_bytes"`
	Chunks        int    `json:"chunks"`
	Segments      int    `json:"segments"`
	LastResult    string `json:"last_result"`
}

// SessionSummary is one row of the /api/sessions listing.
type SessionSummary struct {
	SessionID     string        `json:"session_id"`
	CompletedAt   string        `json:"completed_at"`
	Ok            bool          `json:"ok"`
	ResultCode    string        `json:"result_code"`
	ResultText    string        `json:"result_text,omitempty"`
	Failure       string        `json:"failure,omitempty"`
	ManifestBytes int64         `json:"manifest_bytes"`
	FirmwareBytes int64         `json:"firmware_bytes"`
	Chunks        int           `json:"chunks"`
	Segments      int           `json:"segments"`
	Artifacts     []ArtifactRef `json:"artifacts,omitempty"`
}

// Artifact represents a file generated and stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a storage directory that holds
// the session journal and per-session artifacts.
func NewServer(opts Options) (*Server, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	artifactsDir := filepath.Join(storageDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, err
	}

	gatewayID := opts.GatewayID
	if gatewayID == "" {
		gatewayID, err = common.GatewayFingerprint()
		if err != nil {
			return nil, fmt.Errorf("gateway fingerprint: %w", err)
		}
	}

	journal := common.NewJournal(filepath.Join(storageDir, "journal.jsonl"))
	metrics := common.NewMetrics()

	session, err := upload.NewSession(upload.Config{
		Updater:       opts.Updater,
		ManifestLimit: opts.ManifestLimit,
		ChunkSize:     opts.ChunkSize,
		ResultWait:    opts.ResultWait,
		Journal:       journal,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}

	page, err := newStatusPage()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		gatewayID: gatewayID,
		session:   session,
		journal:   journal,
		metrics:   metrics,
		artifacts: &ArtifactStore{entries: make(map[string]Artifact)},
		storage:   storageDir,
		page:      page,
	}
	s.progress.Store(&ProgressSnapshot{
		State:      upload.StateInit.String(),
		LastResult: defaultResultLine,
	})
	return s, nil
}

// GatewayID returns the identity shown on the page and in the status API.
func (s *Server) GatewayID() string { return s.gatewayID }

// JournalPath returns the session journal file the server appends to.
func (s *Server) JournalPath() string { return s.journal.Path() }

func (s *Server) deviceStatus(r *http.Request) string {
	if s.opts.Describer == nil {
		return "device status unavailable"
	}
	return s.opts.Describer.DeviceStatus(r.Context())
}

func (s *Server) publishProgress(snap upload.Snapshot, active bool) {
	last := s.progress.Load().LastResult
	s.progress.Store(&ProgressSnapshot{
		Active:        active,
		SessionID:     snap.SessionID,
		State:         snap.State,
		ManifestBytes: snap.ManifestBytes,
		FirmwareBytes: snap.FirmwareBytes,
		Chunks:        snap.Chunks,
		Segments:      snap.Segments,
		LastResult:    last,
	})
}

// recordOutcome turns a finished upload into its durable traces: the
// published snapshot, the session summary, and the report artifacts.
func (s *Server) recordOutcome(out upload.Outcome, deviceStatus string) {
	s.progress.Store(&ProgressSnapshot{
		State:      upload.StateInit.String(),
		LastResult: out.ResultLine(),
	})

	summary := SessionSummary{
		SessionID:     out.SessionID,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
		Ok:            out.Failure == nil && out.Result.Ok(),
		ResultCode:    out.Result.Code.Hex(),
		ResultText:    out.Result.Code.Describe(),
		ManifestBytes: int64(out.ManifestLen),
		FirmwareBytes: out.FirmwareBytes,
		Chunks:        out.Chunks,
		Segments:      out.Segments,
	}
	if out.Failure != nil {
		summary.Failure = out.Failure.Error()
	}
	summary.Artifacts = s.saveSessionArtifacts(out, deviceStatus, summary.CompletedAt)

	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, summary)
	s.sessionsMu.Unlock()
}

// saveSessionArtifacts writes the session report JSON and its PDF rendering
// into the artifacts directory. Artifact failures are logged, never fatal:
// the upload outcome is already final.
func (s *Server) saveSessionArtifacts(out upload.Outcome, deviceStatus, completedAt string) []ArtifactRef {
	rep := report.SessionReport{
		GatewayID:      s.gatewayID,
		SessionID:      out.SessionID,
		CompletedAt:    completedAt,
		Ok:             out.Failure == nil && out.Result.Ok(),
		ResultCode:     out.Result.Code.Hex(),
		ResultText:     out.Result.Code.Describe(),
		ResultDetail:   out.Result.Detail,
		ManifestBytes:  int64(out.ManifestLen),
		ManifestDigest: out.ManifestDigest,
		FirmwareBytes:  out.FirmwareBytes,
		Chunks:         out.Chunks,
		Segments:       out.Segments,
		DeviceStatus:   deviceStatus,
	}
	if out.Failure != nil {
		rep.Failure = out.Failure.Error()
	}
	if events, err := common.ReadJournal(s.journal.Path()); err == nil {
		for _, ev := range events {
			if ev.Session == out.SessionID {
				rep.Events = append(rep.Events, ev)
			}
		}
	}

	var refs []ArtifactRef
	short := common.ShortID(out.SessionID)
	jsonPath := filepath.Join(s.storage, "artifacts", "session-"+short+".json")
	if err := report.SaveSessionJSON(rep, jsonPath); err != nil {
		common.Logf("save session report: %v", err)
	} else if art, err := s.addArtifact(jsonPath, "session-"+short+".json", "application/json", "report"); err == nil {
		refs = append(refs, toRef(art))
	}
	pdfPath := filepath.Join(s.storage, "artifacts", "session-"+short+".pdf")
	if err := report.SaveSessionPDF(rep, pdfPath); err != nil {
		common.Logf("render session pdf: %v", err)
	} else if art, err := s.addArtifact(pdfPath, "session-"+short+".pdf", "application/pdf", "report"); err == nil {
		refs = append(refs, toRef(art))
	}
	return refs
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.metrics.Snapshot()
	s.sessionsMu.RLock()
	recorded := len(s.sessions)
	s.sessionsMu.RUnlock()
	resp := struct {
		Gateway  string            `json:"gateway"`
		Device   string            `json:"device"`
		Upload   *ProgressSnapshot `json:"upload"`
		Sessions int               `json:"sessions"`
		Totals   struct {
			Bytes    int64 `json:"bytes"`
			Segments int64 `json:"segments"`
			Chunks   int64 `json:"chunks"`
			Resets   int64 `json:"resets"`
		} `json:"totals"`
	}{
		Gateway:  s.gatewayID,
		Device:   s.deviceStatus(r),
		Upload:   s.progress.Load(),
		Sessions: recorded,
	}
	resp.Totals.Bytes = snap.Bytes
	resp.Totals.Segments = snap.Segments
	resp.Totals.Chunks = snap.Chunks
	resp.Totals.Resets = snap.Resets
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sessionsMu.RLock()
	out := make([]SessionSummary, len(s.sessions))
	copy(out, s.sessions)
	s.sessionsMu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// handleSessionEvents streams one session's journal records as NDJSON:
// GET /api/sessions/{id}/events.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, ok := strings.CutSuffix(rest, "/events")
	if !ok || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	events, err := common.ReadJournal(s.journal.Path())
	if err != nil {
		http.Error(w, fmt.Sprintf("read journal: %v", err), http.StatusInternalServerError)
		return
	}
	writer := NewNDJSONWriter(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	found := false
	for _, ev := range events {
		if ev.Session != id {
			continue
		}
		found = true
		if err := writer.WriteEvent(ev); err != nil {
			return
		}
	}
	if !found {
		_ = writer.WriteObject(map[string]any{
			"type":  "error",
			"error": fmt.Sprintf("session %s not found", id),
		})
	}
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html; charset=utf-8"
	case ".txt", ".mfst":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}
