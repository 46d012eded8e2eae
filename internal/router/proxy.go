package router

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"

	"github.com/scottylabs/kennel/internal/logfields"
)

// proxyTo reverse-proxies the request to 127.0.0.1:{port}. X-Forwarded-Host,
// X-Forwarded-Proto, and X-Forwarded-For are injected; connection refusals
// and timeouts map to 503, other upstream failures to 502.
func (r *Router) proxyTo(w http.ResponseWriter, req *http.Request, port int) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Warn("proxy error", logfields.Port(port), logfields.Error(err))
			status := http.StatusBadGateway
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				status = http.StatusServiceUnavailable
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "service unavailable", status)
		},
	}
	proxy.ServeHTTP(w, req)
}
