// Package api hosts the HTTP server and middleware. Routes:
//   - GET /fetch?url=<target> renders, rewrites and returns a page.
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /* serves static assets when the static directory exists.
package api
