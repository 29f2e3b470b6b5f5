package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// mock-control is a stand-in for the container-control service used in
// local development. It manages a small fake fleet: srv1 crashes with a
// corrupt jarfile until it is redownloaded, srv2 is healthy.

type target struct {
	State       string
	Logs        []string
	MemoryUsed  int64
	MemoryLimit int64
	Repaired    bool
}

var (
	mu    sync.Mutex
	fleet = map[string]*target{
		"srv1": {
			State: "exited",
			Logs: []string{
				"[12:00:01] [main/INFO]: Loading server.jar",
				"Error: Invalid or corrupt jarfile /data/server.jar",
			},
			MemoryUsed:  256 << 20,
			MemoryLimit: 2 << 30,
		},
		"srv2": {
			State: "running",
			Logs: []string{
				"[12:00:01] [main/INFO]: Starting minecraft server version 1.21",
				"[12:00:09] [main/INFO]: Done (8.2s)! For help, type \"help\"",
			},
			MemoryUsed:  900 << 20,
			MemoryLimit: 2 << 30,
		},
	}
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/containers", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		names := make([]string, 0, len(fleet))
		for name := range fleet {
			names = append(names, name)
		}
		writeJSON(w, map[string]any{"targets": names})
	})

	mux.HandleFunc("/api/v1/containers/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/containers/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		name, verb := parts[0], parts[1]

		mu.Lock()
		defer mu.Unlock()
		t, ok := fleet[name]
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch verb {
		case "state":
			writeJSON(w, map[string]string{"state": t.State})
		case "logs":
			writeJSON(w, map[string][]string{"lines": t.Logs})
		case "stats":
			writeJSON(w, map[string]any{
				"cpu_percent":  5 + rand.Float64()*20,
				"memory_used":  t.MemoryUsed,
				"memory_limit": t.MemoryLimit,
			})
		case "restart":
			if !enforcePost(w, r) {
				return
			}
			if t.Repaired || name == "srv2" {
				t.State = "running"
				t.Logs = append(t.Logs, "[12:05:00] [main/INFO]: Done (6.1s)! For help, type \"help\"")
			} else {
				t.State = "exited"
			}
			writeJSON(w, map[string]string{"status": "ok"})
		case "recreate", "rebuild":
			if !enforcePost(w, r) {
				return
			}
			t.Repaired = true
			t.State = "running"
			t.Logs = []string{"[12:05:01] [main/INFO]: Starting minecraft server version 1.21"}
			writeJSON(w, map[string]string{"status": "ok"})
		case "redownload":
			if !enforcePost(w, r) {
				return
			}
			t.Repaired = true
			writeJSON(w, map[string]string{"status": "ok", "detail": "server.jar refreshed"})
		case "limits":
			if !enforcePost(w, r) {
				return
			}
			var body struct {
				MemoryLimit int64 `json:"memory_limit"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.MemoryLimit > 0 {
				t.MemoryLimit = body.MemoryLimit
			}
			writeJSON(w, map[string]string{"status": "ok"})
		case "reassign-port", "fix-permissions", "probe-network", "snapshot":
			if !enforcePost(w, r) {
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		default:
			http.NotFound(w, r)
		}
	})

	addr := ":9090"
	log.Printf("mock container-control listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Fatal(server.ListenAndServe())
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
