// Package api serves the admin HTTP interface: health, statistics, ad-hoc
// HTTP task submission and cancellation, trigger inspection and manual fire,
// and task history.
//
// Routes under /v1 require an HS256 bearer token when a JWT secret is
// configured. /healthz is always open.
package api
