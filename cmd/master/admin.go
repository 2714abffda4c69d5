package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"darkmatter/fleet/pkg/config"
	"darkmatter/fleet/pkg/master"
	"darkmatter/fleet/pkg/proto"
)

// adminAPI exposes the orchestrator to operators over a token-protected
// HTTP listener, normally bound to loopback.
type adminAPI struct {
	orch *master.Orchestrator

	mu       sync.RWMutex
	token    string // sha256 hex of the plain token
	defaults config.ScanDefaults
}

func newAdminAPI(orch *master.Orchestrator, defaults config.ScanDefaults) *adminAPI {
	return &adminAPI{orch: orch, defaults: defaults}
}

// initToken loads the stored admin token hash, generating a fresh token on
// first start. The plain token is logged once; only its hash touches disk.
func (a *adminAPI) initToken(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if b, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(b))) > 0 {
		a.token = strings.TrimSpace(string(b))
		return nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plain))
	a.token = fmt.Sprintf("%x", sum[:])
	if err := os.WriteFile(path, []byte(a.token), 0o600); err != nil {
		return err
	}
	log.Printf("[SECURITY] generated admin API token: %s", plain)
	log.Printf("[SECURITY] the token is shown once; only its hash is stored. delete %s to reset", path)
	return nil
}

func (a *adminAPI) matchToken(provided string) bool {
	if provided == "" || a.token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(provided))
	hexed := fmt.Sprintf("%x", sum[:])
	if len(hexed) != len(a.token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hexed), []byte(a.token)) == 1
}

func (a *adminAPI) setDefaults(d config.ScanDefaults) {
	a.mu.Lock()
	a.defaults = d
	a.mu.Unlock()
}

func (a *adminAPI) fillDefaults(args proto.ScanArgs) proto.ScanArgs {
	a.mu.RLock()
	d := a.defaults
	a.mu.RUnlock()
	if len(args.Ports) == 0 {
		args.Ports = d.Ports
	}
	if len(args.Services) == 0 {
		args.Services = d.Services
	}
	if args.Concurrency == 0 {
		args.Concurrency = d.Concurrency
	}
	if args.TimeoutMS == 0 {
		args.TimeoutMS = d.TimeoutMS
	}
	return args
}

func (a *adminAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	authed := func(fn http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Auth-Token")
			if got == "" {
				if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
					got = strings.TrimPrefix(v, "Bearer ")
				}
			}
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if !a.matchToken(got) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			fn(w, r)
		}
	}
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/slaves", authed(a.handleSlaves))
	mux.HandleFunc("/api/scan", authed(a.handleScan))
	mux.HandleFunc("/api/cancel", authed(a.handleCancel))
	mux.HandleFunc("/api/events", authed(a.handleEvents))
	return mux
}

func (a *adminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"slaves": len(a.orch.Sessions()),
	})
}

func (a *adminAPI) handleSlaves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.orch.Sessions())
}

// scanRequest addresses one slave (slave_id), several (slave_ids), or the
// whole fleet when both are empty.
type scanRequest struct {
	SlaveID  string   `json:"slave_id,omitempty"`
	SlaveIDs []string `json:"slave_ids,omitempty"`
	proto.ScanArgs
}

// handleScan submits a scan and streams the resulting updates back as
// NDJSON. The first line carries the correlation id so the caller can
// cancel; every following line is one update frame.
func (a *adminAPI) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	args := a.fillDefaults(req.ScanArgs)

	var (
		corr    string
		updates <-chan master.Update
		err     error
	)
	if req.SlaveID != "" {
		corr, updates, err = a.orch.Submit(req.SlaveID, proto.VerbScan, args)
	} else {
		corr, updates, err = a.orch.Broadcast(req.SlaveIDs, proto.VerbScan, args)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, master.ErrUnknownSlave) || errors.Is(err, master.ErrNoSlaves) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	fl, _ := w.(http.Flusher)
	_ = enc.Encode(map[string]string{"correlation_id": corr})
	if fl != nil {
		fl.Flush()
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			_ = enc.Encode(u)
			if fl != nil {
				fl.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

type cancelRequest struct {
	SlaveID   string `json:"slave_id"`
	CommandID string `json:"command_id"`
}

// handleCancel asks one slave to abort a running command and waits for the
// acknowledgement. The command's own stream still delivers its terminal.
func (a *adminAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SlaveID == "" || req.CommandID == "" {
		http.Error(w, "slave_id and command_id are required", http.StatusBadRequest)
		return
	}
	_, updates, err := a.orch.Submit(req.SlaveID, proto.VerbCancel, proto.CancelArgs{CommandID: req.CommandID})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, master.ErrUnknownSlave) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	select {
	case u, ok := <-updates:
		if !ok {
			http.Error(w, "cancel stream closed without a reply", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(u)
	case <-timeout.C:
		http.Error(w, "timed out waiting for cancel acknowledgement", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// handleEvents streams lifecycle events as NDJSON until the client hangs up.
func (a *adminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events := a.orch.Subscribe(r.Context())
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	fl, _ := w.(http.Flusher)
	if fl != nil {
		fl.Flush()
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = enc.Encode(ev)
			if fl != nil {
				fl.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
