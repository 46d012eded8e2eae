package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/scottylabs/kennel/internal/logfields"
)

const letsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// serveTLS serves HTTPS with certificates obtained on demand via ACME.
// Certificates are only issued for hosts present in the routing table, and
// an HTTP listener on :80 answers HTTP-01 challenges and redirects the rest.
func (r *Router) serveTLS(ctx context.Context, srv *http.Server) error {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(r.acmeCacheDir),
		Email:      r.acmeEmail,
		HostPolicy: r.acmeHostPolicy,
	}
	if !r.acmeProduction {
		mgr.Client = &acme.Client{DirectoryURL: letsEncryptStagingURL}
	}

	challenge := &http.Server{
		Addr:              ":80",
		Handler:           mgr.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := challenge.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("acme challenge listener failed", logfields.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = challenge.Shutdown(shutdownCtx)
	}()

	srv.TLSConfig = mgr.TLSConfig()
	r.log.Info("router listening with TLS", slog.String("addr", r.addr))
	return srv.ListenAndServeTLS("", "")
}

// acmeHostPolicy admits certificate requests only for hosts the routing
// table currently knows. Unknown hosts would otherwise let arbitrary DNS
// pointed at us burn through issuance rate limits.
func (r *Router) acmeHostPolicy(_ context.Context, host string) error {
	if _, ok := r.table.Get(host); ok {
		return nil
	}
	return &hostNotConfiguredError{host: host}
}

type hostNotConfiguredError struct{ host string }

func (e *hostNotConfiguredError) Error() string {
	return "host not configured: " + e.host
}
