// Command plexusd runs the Plexus LLM gateway: an HTTP server multiplexing
// the OpenAI Chat Completions, Anthropic Messages, Gemini, Responses,
// Embeddings, Speech, Image, and Transcription dialects onto many
// configured upstream providers.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/plexus.yaml", "path to config file")
	addr := flag.String("addr", envOr("PLEXUS_ADDR", ":8080"), "HTTP listen address")
	dbDSN := flag.String("db", envOr("PLEXUS_DB_DSN", "plexus.db"), "sqlite DSN for persisted state")
	debugCapture := flag.Bool("debug-capture", envBoolOr("PLEXUS_DEBUG_CAPTURE", false), "persist request/response debug logs")
	metricsEnabled := flag.Bool("metrics", envBoolOr("PLEXUS_METRICS_ENABLED", true), "expose /metrics")
	tracingEndpoint := flag.String("tracing-endpoint", os.Getenv("PLEXUS_TRACING_ENDPOINT"), "OTLP gRPC endpoint; empty disables tracing")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("plexusd", version)
		os.Exit(0)
	}

	cfg := runConfig{
		configPath:      *configPath,
		addr:            *addr,
		dbDSN:           *dbDSN,
		debugCapture:    *debugCapture,
		metricsEnabled:  *metricsEnabled,
		tracingEndpoint: *tracingEndpoint,
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}
