// Command kiroproxy serves an Anthropic-messages-compatible HTTP surface
// backed by a pool of Kiro (AWS CodeWhisperer) credentials.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiro-project/kiroproxy/internal/handler"
	"github.com/kiro-project/kiroproxy/internal/kiroproxy"
	"github.com/kiro-project/kiroproxy/internal/telemetry"
)

func getDefaultCredentialsPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(homeDir, ".config", "kiroproxy", "credentials.json")
}

func selectionModeFromFlag(name string) kiroproxy.SelectionMode {
	switch strings.ToLower(name) {
	case "balanced":
		return kiroproxy.SelectionBalanced
	default:
		return kiroproxy.SelectionPriority
	}
}

// applyRegionDefaults backfills any credential loaded without an explicit
// authRegion/apiRegion, so an operator running a single-region fleet can
// omit those fields from every credentials.json entry.
func applyRegionDefaults(store *kiroproxy.CredentialStore, authRegion, apiRegion string) {
	for _, cred := range store.List() {
		if cred.AuthRegion != "" && cred.APIRegion != "" {
			continue
		}
		id := cred.ID
		if err := store.Patch(id, func(c *kiroproxy.Credential) {
			if c.AuthRegion == "" {
				c.AuthRegion = authRegion
			}
			if c.APIRegion == "" {
				c.APIRegion = apiRegion
			}
		}); err != nil {
			log.Printf("applying region defaults to credential %s: %v", id, err)
		}
	}
}

func main() {
	defaultCredsPath := getDefaultCredentialsPath()

	addr := flag.String("addr", ":8787", "server address")
	credsPath := flag.String("credentials", defaultCredsPath, "path to credentials.json")
	maxRequestBodyBytes := flag.Int64("max-request-body-bytes", 0, "max accepted request body size in bytes (0 = unlimited)")
	authRegion := flag.String("auth-region", "us-east-1", "default region for credentials with no authRegion of their own")
	apiRegion := flag.String("api-region", "us-east-1", "default region for credentials with no apiRegion of their own")
	selectionMode := flag.String("selection-mode", "priority", "credential selection mode: priority|balanced")
	apiKeys := flag.String("api-key", os.Getenv("KIROPROXY_API_KEY"), "comma-separated list of accepted client API keys")
	jwtSecret := flag.String("jwt-secret", os.Getenv("KIROPROXY_JWT_SECRET"), "HMAC secret for optional JWT client auth")
	telemetryDSN := flag.String("telemetry-dsn", "sqlite://kiroproxy-telemetry.db", "telemetry store DSN (sqlite://, postgres://, mysql://)")
	thinkingSuffix := flag.String("thinking-suffix", "-thinking", "model name suffix that enables extended-thinking nudging")
	flag.Parse()

	if dir := filepath.Dir(*credsPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Fatalf("creating credentials directory %s: %v", dir, err)
		}
	}

	store, err := kiroproxy.LoadCredentialStore(*credsPath)
	if err != nil {
		log.Fatalf("loading credential store: %v", err)
	}
	if len(store.List()) == 0 {
		log.Printf("warning: no credentials loaded from %s; every request will fail until credentials are added", *credsPath)
	}
	applyRegionDefaults(store, *authRegion, *apiRegion)

	tokens := kiroproxy.NewTokenManager(store, nil)
	pool := kiroproxy.NewPool(store, tokens, selectionModeFromFlag(*selectionMode))
	models := kiroproxy.NewModelMapper(nil)
	orchestrator := kiroproxy.NewOrchestrator(pool, tokens, models)
	orchestrator.ThinkingSuffix = *thinkingSuffix

	db, err := telemetry.Open(*telemetryDSN)
	if err != nil {
		log.Fatalf("opening telemetry store: %v", err)
	}
	defer db.Close()

	recorder := telemetry.NewRecorder(db)
	adminHub := handler.NewAdminHub()
	recorder.Broadcast = adminHub.Broadcast
	orchestrator.Recorder = recorder

	var keys []string
	if *apiKeys != "" {
		keys = strings.Split(*apiKeys, ",")
	}
	auth := handler.NewAuth(keys, *jwtSecret)

	proxyHandler := handler.NewProxyHandler(orchestrator, recorder, *maxRequestBodyBytes, *thinkingSuffix)

	mux := http.NewServeMux()
	mux.Handle("/v1/messages", auth.Middleware(http.HandlerFunc(proxyHandler.ServeMessages)))
	mux.Handle("/v1/messages/count_tokens", auth.Middleware(http.HandlerFunc(proxyHandler.ServeCountTokens)))
	mux.Handle("/v1/models", auth.Middleware(http.HandlerFunc(proxyHandler.ServeModels)))
	mux.Handle("/cc/v1/messages", auth.Middleware(http.HandlerFunc(proxyHandler.ServeClaudeCodeMessages)))
	mux.Handle("/cc/v1/messages/count_tokens", auth.Middleware(http.HandlerFunc(proxyHandler.ServeCountTokens)))

	mux.HandleFunc("/admin/ws", adminHub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	loggedMux := handler.LoggingMiddleware(mux)

	log.Printf("kiroproxy listening on %s", *addr)
	log.Printf("credentials: %s", *credsPath)
	log.Printf("telemetry: %s", *telemetryDSN)
	if err := http.ListenAndServe(*addr, loggedMux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
