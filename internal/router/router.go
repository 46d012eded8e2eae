package router

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/metrics"
	"github.com/scottylabs/kennel/internal/store"
)

// Router terminates edge traffic for deployed branches: it keeps an
// in-memory host-to-route table fed by deployment updates and either
// reverse-proxies to a local service port or serves static files.
type Router struct {
	store   *store.Store
	table   *Table
	hub     *Hub
	monitor *Monitor
	addr    string

	tlsEnabled     bool
	acmeEmail      string
	acmeProduction bool
	acmeCacheDir   string

	log *slog.Logger
}

func New(st *store.Store, table *Table, hub *Hub, monitor *Monitor, cfg *config.Config, log *slog.Logger) *Router {
	return &Router{
		store:          st,
		table:          table,
		hub:            hub,
		monitor:        monitor,
		addr:           cfg.RouterAddr,
		tlsEnabled:     cfg.TLSEnabled,
		acmeEmail:      cfg.ACMEEmail,
		acmeProduction: cfg.ACMEProduction,
		acmeCacheDir:   cfg.ACMECacheDir,
		log:            log,
	}
}

// Run loads the routing table, starts the update loop, and serves until ctx
// is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}

	subID, updates := r.hub.Subscribe()
	defer r.hub.Unsubscribe(subID)
	go r.updateLoop(ctx, updates)

	srv := &http.Server{
		Addr:              r.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if r.tlsEnabled {
			errCh <- r.serveTLS(ctx, srv)
		} else {
			r.log.Info("router listening", slog.String("addr", r.addr))
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// updateLoop applies routing updates as they arrive and rebuilds the whole
// table on a fixed interval, which repairs any updates lost to full
// subscriber buffers.
func (r *Router) updateLoop(ctx context.Context, updates <-chan Update) {
	ticker := time.NewTicker(config.RouterReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				r.log.Error("routing table reload failed", logfields.Error(err))
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.apply(ctx, u)
		}
	}
}

func (r *Router) apply(ctx context.Context, u Update) {
	switch u.Kind {
	case UpdateDeploymentActive:
		route := Route{DeploymentID: u.DeploymentID, StaticPath: u.StorePath, SPA: u.SPA}
		if u.Port != nil {
			route.Port = *u.Port
			route.StaticPath = ""
		}
		// A fresh deployment passed its rollout health check; its probe
		// history belongs to the backend it replaced.
		if r.monitor != nil {
			r.monitor.noteActive(u.Domain)
		}
		r.table.Insert(u.Domain, route)
		if u.CustomDomain != nil && *u.CustomDomain != "" {
			r.table.Insert(*u.CustomDomain, route)
		}
		r.log.Info("route added", logfields.Domain(u.Domain), logfields.DeploymentID(u.DeploymentID))
	case UpdateDeploymentRemoved:
		r.table.Remove(u.Domain)
		if u.CustomDomain != nil && *u.CustomDomain != "" {
			r.table.Remove(*u.CustomDomain)
		}
		r.log.Info("route removed", logfields.Domain(u.Domain))
	case UpdateFullReload:
		if err := r.reload(ctx); err != nil {
			r.log.Error("routing table reload failed", logfields.Error(err))
		}
	}
}

// reload rebuilds the table from the set of active deployments. Service
// deployments whose backend the monitor holds unhealthy are kept out until
// a probe succeeds.
func (r *Router) reload(ctx context.Context) error {
	rows, err := r.store.Deployments.ListActiveWithServices(ctx)
	if err != nil {
		return err
	}
	routable := make([]store.DeploymentWithService, 0, len(rows))
	for _, row := range rows {
		if row.Port != nil && r.monitor != nil && !r.monitor.Healthy(row.Domain) {
			continue
		}
		routable = append(routable, row)
	}
	r.table.LoadFrom(routable)
	metrics.ActiveDeployments.Set(float64(len(routable)))
	r.log.Debug("routing table loaded", slog.Int("routes", r.table.Len()))
	return nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	route, ok := r.table.Get(host)
	if !ok {
		metrics.RoutedRequests.WithLabelValues("miss").Inc()
		http.NotFound(w, req)
		return
	}

	if route.IsService() {
		metrics.RoutedRequests.WithLabelValues("proxy").Inc()
		r.proxyTo(w, req, route.Port)
		return
	}
	metrics.RoutedRequests.WithLabelValues("static").Inc()
	r.serveStatic(w, req, route.StaticPath, route.SPA)
}
