// Command gridkeep-gateway runs C8, the edge gateway: auth, rate limiting,
// genesis fill, and the mint/iterate protocol in front of C7. Grounded on
// the teacher's main.go boot sequence (setupLogging, middleware wrapping,
// timeout'd http.Server) retargeted from ownworld's single mux of game
// handlers to gridkeep's token/rate-limit/backend-proxy handlers.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridkeep/internal/backend"
	"gridkeep/internal/blacklist"
	"gridkeep/internal/config"
	"gridkeep/internal/logging"
	"gridkeep/internal/ratelimit"
	"gridkeep/internal/token"
)

func main() {
	infoLog, errLog := logging.New("gateway")
	infoLog.Println("GRIDKEEP GATEWAY BOOT")

	gwCfg := config.LoadGateway()
	regCfg := config.LoadRegistry()
	idCfg := config.LoadIdentity()

	codec := token.New(idCfg.KeyFile)
	bl := blacklist.Load(idCfg.BlacklistFile)
	bl.InstallShutdownHook()

	limiter := ratelimit.New()
	client := backend.New(gwCfg.BackendURL, gwCfg.BackendToken)

	zones := make(map[int]bool, len(regCfg.ZoneIDs))
	for _, z := range regCfg.ZoneIDs {
		zones[z] = true
	}

	h := &handlers{backend: client, zones: zones}
	ak := &apiKeyHandlers{codec: codec, bl: bl}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/render", rateLimited(limiter, "ip", false,
		requireToken(codec, bl, rateLimited(limiter, "api-key", true, h.render))))
	mux.HandleFunc("POST /api/render/one", rateLimited(limiter, "ip:render-one", false,
		requireToken(codec, bl, rateLimited(limiter, "api-key", true, h.renderOne))))
	mux.HandleFunc("POST /api/render/areas", rateLimited(limiter, "ip", false,
		requireToken(codec, bl, rateLimited(limiter, "api-key", true, h.renderAreas))))

	mux.HandleFunc("POST /api/mint", rateLimited(limiter, "ip:mint-iter-renew", false,
		requireToken(codec, bl, rateLimited(limiter, "edit", true, h.mint))))
	mux.HandleFunc("POST /api/newiter", rateLimited(limiter, "ip:mint-iter-renew", false,
		requireToken(codec, bl, rateLimited(limiter, "edit", true, h.newIter))))

	mux.HandleFunc("POST /api/CheckAPIKey", rateLimited(limiter, "ip:check-key", false, ak.check))
	mux.HandleFunc("POST /api/APIKey", rateLimited(limiter, "chat-token", false, ak.issue))
	mux.HandleFunc("POST /api/APIKey/renew", rateLimited(limiter, "ip:mint-iter-renew", false, ak.renew))

	mux.HandleFunc("GET /api/health", rateLimited(limiter, "ip", false, h.health))

	server := &http.Server{
		Addr:         ":8090",
		Handler:      withCORS(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		infoLog.Println("shutdown signal received, flushing blacklist")
		bl.Flush()
		os.Exit(0)
	}()

	go sweepRateLimiter(limiter)

	infoLog.Println("gateway listening on :8090")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errLog.Fatal(err)
	}
}

func sweepRateLimiter(l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		l.Sweep()
	}
}
