// Command gridkeep-storage runs C7, the authenticated HTTP front for the
// zone registry (C6) and its stores (C5). Grounded on the teacher's
// main.go: setupLogging/initDB/mux-registration/server-with-timeouts boot
// sequence, generalized from ownworld's single database to one store per
// configured zone.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridkeep/internal/apierr"
	"gridkeep/internal/config"
	"gridkeep/internal/logging"
	"gridkeep/internal/registry"
	"gridkeep/internal/store"
	"gridkeep/internal/transport"
)

func main() {
	infoLog, errLog := logging.New("storage")
	infoLog.Println("GRIDKEEP STORAGE SERVICE BOOT")

	storeCfg := config.LoadStore()
	regCfg := config.LoadRegistry()
	apiKey := config.ServiceAPIKey()

	if err := os.MkdirAll(storeCfg.DBDir, 0755); err != nil {
		errLog.Fatalf("create db dir: %v", err)
	}

	ctx := context.Background()
	reg, err := registry.Open(ctx, regCfg.ZoneIDs, infoLog, errLog, func(zone int) store.Config {
		return store.Config{
			Zone:          zone,
			DBDir:         storeCfg.DBDir,
			DriverName:    "sqlite3",
			PoolSize:      storeCfg.PoolSize,
			FlushInterval: storeCfg.FlushInterval,
			MaxQueueRows:  storeCfg.MaxQueueRows,
			LRUCacheSize:  storeCfg.LRUCacheSize,
		}
	})
	if err != nil {
		errLog.Fatalf("open zone registry: %v", err)
	}
	infoLog.Printf("zone registry ready: zones=%v", reg.Zones())

	h := &handlers{reg: reg, apiKey: apiKey, log: infoLog, err: errLog}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_max_index/{zone}", h.authorize(h.getMaxIndex))
	mux.HandleFunc("POST /set/{zone}", h.authorize(h.set))
	mux.HandleFunc("GET /get/{zone}/{index}", h.authorize(h.get))
	mux.HandleFunc("GET /get/{zone}/{index}/{iter}", h.authorize(h.get))
	mux.HandleFunc("POST /expand", h.authorize(h.expand))
	mux.HandleFunc("POST /expandall", h.authorize(h.expandAll))
	mux.HandleFunc("POST /range/{zone}", h.authorize(h.rangeQuery))
	mux.HandleFunc("GET /health", h.authorize(h.health))
	mux.HandleFunc("GET /health/{zone}", h.authorize(h.health))

	server := &http.Server{
		Addr:         ":9401",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		infoLog.Println("shutdown signal received, closing zone registry")
		reg.Close(context.Background())
		os.Exit(0)
	}()

	infoLog.Println("storage service listening on :9401")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errLog.Fatal(err)
	}
}

// writeJSON marshals v and writes it LZ4-compressed, matching the wire
// format internal/backend.Client expects on every C7 response body
// (spec.md §4.6's compression note, grounded on the teacher's
// compressLZ4/decompressLZ4 pair).
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	w.Write(transport.Compress(raw))
}

// decodeBody LZ4-decompresses r.Body and JSON-decodes it into v.
func decodeBody(r *http.Request, v interface{}) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(transport.Decompress(raw), v)
}

func writeAPIErr(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.Fatal, err.Error())
	}
	writeJSON(w, apierr.HTTPStatus(apiErr.Kind), map[string]string{"error": apiErr.Message})
}
