// Package rpc exposes the JSON request/response endpoint described in
// spec §4.12 / §6: a single POST /mcp handler dispatching a static
// tool table, fronted by go-chi/chi with permissive go-chi/cors.
package rpc

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"

	"github.com/factorialco/shadowdog/internal/cache"
	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/daemon"
	"github.com/factorialco/shadowdog/internal/lockfile"
	"github.com/factorialco/shadowdog/internal/notify"
)

// DefaultHost and DefaultPort are spec §6's defaults.
const (
	DefaultHost = "localhost"
	DefaultPort = 8473
)

// Request is the envelope every /mcp POST body must decode into.
type Request struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope every /mcp response is wrapped in.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ToolSchema describes one entry in the static tool table for
// list_tools.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// BadRequestError is the RpcBadRequest taxonomy entry (spec §7):
// returned as a JSON error, never crashes the daemon.
type BadRequestError struct{ Message string }

func (e *BadRequestError) Error() string { return e.Message }

// Server is the RPC surface's state: the live Daemon it drives, the
// Config it reports against, and paths for introspection.
type Server struct {
	Daemon      *daemon.Daemon
	LocalCache  *cache.LocalBackend
	LockPath    string
	ConfigPath  string
	Root        string
	Notifier    *notify.Notifier
	logger      hclog.Logger
	configState func() *config.Config
}

// NewServer builds a Server. configState returns the currently active
// configuration (nil if none has loaded yet). notifier may be nil. root
// is the project root every Config-declared artifact output is relative
// to.
func NewServer(d *daemon.Daemon, localCache *cache.LocalBackend, lockPath, configPath, root string, logger hclog.Logger, configState func() *config.Config, notifier *notify.Notifier) *Server {
	return &Server{
		Daemon:      d,
		LocalCache:  localCache,
		LockPath:    lockPath,
		ConfigPath:  configPath,
		Root:        root,
		Notifier:    notifier,
		logger:      logger,
		configState: configState,
	}
}

// Router builds the chi router for this Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Post("/mcp", s.handleMCP)
	return r
}

type toolHandler func(s *Server, params json.RawMessage) (interface{}, error)

var toolTable = map[string]toolHandler{
	"list_tools":            (*Server).toolListTools,
	"pause":                 (*Server).toolPause,
	"resume":                (*Server).toolResume,
	"get_artifacts":         (*Server).toolGetArtifacts,
	"compute_artifact":      (*Server).toolComputeArtifact,
	"compute_all_artifacts": (*Server).toolComputeAllArtifacts,
	"get_status":            (*Server).toolGetStatus,
	"clear_cache":           (*Server).toolClearCache,
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, &BadRequestError{Message: "invalid request body: " + err.Error()})
		return
	}

	handler, ok := toolTable[req.Tool]
	if !ok {
		s.writeError(w, http.StatusBadRequest, &BadRequestError{Message: "unknown tool: " + req.Tool})
		return
	}

	result, err := handler(s, req.Params)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	json.NewEncoder(w).Encode(Response{Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Error: err.Error()})
}

func (s *Server) toolListTools(_ json.RawMessage) (interface{}, error) {
	names := make([]string, 0, len(toolTable))
	for name := range toolTable {
		names = append(names, name)
	}
	sort.Strings(names)
	schemas := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, ToolSchema{Name: name, Description: toolDescriptions[name]})
	}
	return schemas, nil
}

var toolDescriptions = map[string]string{
	"list_tools":            "list every available RPC tool",
	"pause":                 "pause the daemon's filesystem event pipeline",
	"resume":                "resume the daemon, replaying paths changed while paused",
	"get_artifacts":         "join declared artifacts with on-disk presence and lock file metadata",
	"compute_artifact":      "trigger a build of the Command producing a single artifact",
	"compute_all_artifacts": "trigger a build of every Command",
	"get_status":            "report daemon availability, config state and counts",
	"clear_cache":           "remove the local cache tree and the lock file",
}

func (s *Server) toolPause(_ json.RawMessage) (interface{}, error) {
	s.Daemon.Pause()
	return map[string]bool{"paused": true}, nil
}

func (s *Server) toolResume(_ json.RawMessage) (interface{}, error) {
	s.Daemon.Resume()
	return map[string]bool{"paused": false}, nil
}

type getArtifactsParams struct {
	Filter string `json:"filter,omitempty"`
}

type artifactStatus struct {
	Output  string `json:"output"`
	Exists  bool   `json:"exists"`
	InCache bool   `json:"inLockFile"`
}

func (s *Server) toolGetArtifacts(raw json.RawMessage) (interface{}, error) {
	var params getArtifactsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &BadRequestError{Message: "invalid get_artifacts params: " + err.Error()}
		}
	}

	cfg := s.configState()
	if cfg == nil {
		return []artifactStatus{}, nil
	}

	manifest := s.readLockFile()

	var out []artifactStatus
	for _, watcher := range cfg.Watchers {
		for _, cmd := range watcher.Commands {
			for _, artifact := range cmd.Artifacts {
				if params.Filter != "" && !matchesFilter(artifact.Output, params.Filter) {
					continue
				}
				_, err := os.Stat(s.resolveOutput(artifact.Output))
				_, inLock := manifest[artifact.Output]
				out = append(out, artifactStatus{
					Output:  artifact.Output,
					Exists:  err == nil,
					InCache: inLock,
				})
			}
		}
	}
	return out, nil
}

// resolveOutput joins a Config-declared artifact output with the project
// root, leaving already-absolute paths untouched.
func (s *Server) resolveOutput(out string) string {
	if out == "" || s.Root == "" || filepath.IsAbs(out) {
		return out
	}
	return filepath.Join(s.Root, out)
}

func matchesFilter(output, filter string) bool {
	return strings.Contains(output, filter)
}

func (s *Server) readLockFile() map[string]lockfile.ArtifactRecord {
	out := map[string]lockfile.ArtifactRecord{}
	data, err := os.ReadFile(s.LockPath)
	if err != nil {
		return out
	}
	var manifest lockfile.Manifest
	if json.Unmarshal(data, &manifest) != nil {
		return out
	}
	for _, a := range manifest.Artifacts {
		out[a.Output] = a
	}
	return out
}

type computeArtifactParams struct {
	Output string `json:"output"`
}

func (s *Server) toolComputeArtifact(raw json.RawMessage) (interface{}, error) {
	var params computeArtifactParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Output == "" {
		return nil, &BadRequestError{Message: "compute_artifact requires a non-empty \"output\""}
	}
	go s.Daemon.ComputeArtifact(params.Output)
	return map[string]string{"status": "scheduled"}, nil
}

func (s *Server) toolComputeAllArtifacts(_ json.RawMessage) (interface{}, error) {
	go s.Daemon.ComputeAllArtifacts()
	return map[string]string{"status": "scheduled"}, nil
}

type statusResult struct {
	DaemonAvailable bool   `json:"daemonAvailable"`
	ConfigLoaded    bool   `json:"configLoaded"`
	WatcherCount    int    `json:"watcherCount"`
	CommandCount    int    `json:"commandCount"`
	LockFilePath    string `json:"lockFilePath"`
}

func (s *Server) toolGetStatus(_ json.RawMessage) (interface{}, error) {
	cfg := s.configState()
	result := statusResult{
		DaemonAvailable: s.Daemon != nil,
		ConfigLoaded:    cfg != nil,
		LockFilePath:    s.LockPath,
	}
	if cfg != nil {
		result.WatcherCount = len(cfg.Watchers)
		for _, w := range cfg.Watchers {
			result.CommandCount += len(w.Commands)
		}
	}
	return result, nil
}

func (s *Server) toolClearCache(_ json.RawMessage) (interface{}, error) {
	if s.LocalCache != nil {
		if err := s.LocalCache.Clear(); err != nil {
			return nil, err
		}
	}
	if err := os.Remove(s.LockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if s.Notifier != nil {
		s.Notifier.ClearNotification()
	}
	return map[string]bool{"cleared": true}, nil
}
