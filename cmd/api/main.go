// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"nowver/internal/registry"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	registryServiceURL, err := url.Parse(getEnv("REGISTRY_SERVICE_URL", "http://localhost:8081"))
	if err != nil {
		log.Fatalf("Invalid REGISTRY_SERVICE_URL: %v", err)
	}

	registryProxy := httputil.NewSingleHostReverseProxy(registryServiceURL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(stripUntrustedCaller(getEnv("TRUST_CALLER_HEADER", "true") == "true"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/api/v1/registry", http.StripPrefix("/api/v1/registry", registryProxy))

	port := getEnv("PORT", "8080")
	log.Printf("API Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

// stripUntrustedCaller drops the caller header when the gateway is not
// configured to pass it through from an authenticating edge.
func stripUntrustedCaller(trust bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !trust {
				r.Header.Del(registry.CallerHeader)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
