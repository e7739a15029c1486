package main

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// corsPolicy lets the race control pages and station displays, served from
// any origin, call the connect services.
var corsPolicy = cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedHeaders: []string{"*"},
	AllowedMethods: []string{
		http.MethodHead, http.MethodGet, http.MethodPost,
		http.MethodPut, http.MethodPatch, http.MethodDelete,
	},
}

// setupServer mounts the services and health endpoints and serves them over
// HTTP/1.1 and cleartext HTTP/2.
func setupServer(addr string, b *backend, services *Services) *http.Server {
	mux := http.NewServeMux()
	registerServices(mux, services)

	mux.HandleFunc("/health", healthOK)
	for path, h := range b.health {
		mux.Handle(path, h)
	}

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(cors.New(corsPolicy).Handler(mux), &http2.Server{}),
	}
}

func healthOK(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}
