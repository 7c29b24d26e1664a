// Command luakvd serves a persistent Lua evaluation endpoint over HTTP.
// Scripts run in a single shared interpreter whose external tables live
// in an in-memory host store and are snapshotted into a SQLite database
// on demand, periodically, and on shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coder/websocket"

	"github.com/luakv/luakv"
)

// maxScriptBytes bounds one submitted chunk of Lua source.
const maxScriptBytes = 256 * 1024

type daemonConfig struct {
	Listen       string       `toml:"listen"`
	SnapshotDB   string       `toml:"snapshot_db"`
	AutosaveSecs int          `toml:"autosave_secs"`
	Engine       engineConfig `toml:"engine"`
}

type engineConfig struct {
	ValueBufferKB int    `toml:"value_buffer_kb"`
	KeysBufferKB  int    `toml:"keys_buffer_kb"`
	RootGlobal    string `toml:"root_global"`
	LegacyGlobal  string `toml:"legacy_global"`
	LegacyAlias   bool   `toml:"legacy_alias"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Listen:       ":8077",
		SnapshotDB:   "luakv.db",
		AutosaveSecs: 30,
	}
}

func (dc daemonConfig) engineConfig() luakv.Config {
	cfg := luakv.DefaultConfig()
	if dc.Engine.ValueBufferKB > 0 {
		cfg.ValueBufferSize = dc.Engine.ValueBufferKB * 1024
	}
	if dc.Engine.KeysBufferKB > 0 {
		cfg.KeysBufferSize = dc.Engine.KeysBufferKB * 1024
	}
	if dc.Engine.RootGlobal != "" {
		cfg.RootGlobal = dc.Engine.RootGlobal
	}
	if dc.Engine.LegacyGlobal != "" {
		cfg.LegacyGlobal = dc.Engine.LegacyGlobal
	}
	cfg.LegacyAlias = dc.Engine.LegacyAlias
	return cfg
}

// server serializes access to the engine: the guest runtime is
// single-threaded, so concurrent HTTP handlers queue on the mutex.
type server struct {
	mu     sync.Mutex
	engine *luakv.Engine
}

type evalResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *server) eval(code string) evalResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.engine.Eval(code)
	if err != nil {
		return evalResponse{Error: err.Error()}
	}
	return evalResponse{Result: out}
}

func (s *server) handleEval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptBytes+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxScriptBytes {
		http.Error(w, "script too large", http.StatusRequestEntityTooLarge)
		return
	}
	writeJSON(w, s.eval(string(body)))
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	err := s.engine.Save()
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, evalResponse{Error: err.Error()})
		return
	}
	writeJSON(w, map[string]bool{"saved": true})
}

func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	err := s.engine.Restore()
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, evalResponse{Error: err.Error()})
		return
	}
	writeJSON(w, map[string]bool{"restored": true})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, err := s.engine.Stats()
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, evalResponse{Error: err.Error()})
		return
	}
	writeJSON(w, map[string]any{"tables": st.Tables, "next_id": st.NextID, "heap_kb": st.HeapKB})
}

// handleRepl upgrades to a WebSocket and evaluates each text frame as
// one chunk, writing back the result or error.
func (s *server) handleRepl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("repl: accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxScriptBytes)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		resp := s.eval(string(data))
		out, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := defaultDaemonConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			log.Fatalf("reading config %s: %v", *configPath, err)
		}
	}

	snap, err := luakv.OpenSQLiteStore(cfg.SnapshotDB)
	if err != nil {
		log.Fatalf("opening snapshot store: %v", err)
	}
	defer snap.Close()

	engine, err := luakv.NewEngine(cfg.engineConfig(), luakv.NewMemStore(), snap)
	if err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	defer engine.Close()
	log.Printf("engine ready, root table id %d", engine.RootID())

	srv := &server{engine: engine}
	mux := http.NewServeMux()
	mux.HandleFunc("/eval", srv.handleEval)
	mux.HandleFunc("/save", srv.handleSave)
	mux.HandleFunc("/restore", srv.handleRestore)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/repl", srv.handleRepl)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if cfg.AutosaveSecs > 0 {
		ticker := time.NewTicker(time.Duration(cfg.AutosaveSecs) * time.Second)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				srv.mu.Lock()
				err := engine.Save()
				srv.mu.Unlock()
				if err != nil {
					log.Printf("autosave: %v", err)
				}
			}
		}()
	}

	go func() {
		log.Printf("listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serving: %v", err)
		}
	}()

	<-stop
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	srv.mu.Lock()
	if err := engine.Save(); err != nil {
		log.Printf("final save: %v", err)
	}
	srv.mu.Unlock()
}
