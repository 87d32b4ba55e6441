/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tenant resolves which tenant an HTTP request belongs to and
// carries it through the request context.
package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/store"
)

type contextKey struct{}

// reservedSubdomains never resolve to a tenant.
var reservedSubdomains = map[string]bool{
	"www":   true,
	"api":   true,
	"app":   true,
	"admin": true,
}

// FromContext returns the tenant resolved for the request, if any.
func FromContext(ctx context.Context) (*store.Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*store.Tenant)
	return t, ok
}

// WithTenant returns a context carrying the tenant.
func WithTenant(ctx context.Context, t *store.Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// Resolver figures out the tenant of a request. Resolution order:
// bearer token claims, X-API-Key, subdomain, then the configured
// default for self-hosted deployments.
type Resolver struct {
	store  store.Store
	issuer *auth.JWTIssuer
	logger *logrus.Entry

	// DefaultSlug is used when nothing else resolves and SelfHosted is
	// set, so single-tenant installs need no subdomain routing.
	DefaultSlug string
	SelfHosted  bool
}

// NewResolver returns a resolver backed by the store.
func NewResolver(s store.Store, issuer *auth.JWTIssuer) *Resolver {
	return &Resolver{
		store:  s,
		issuer: issuer,
		logger: logrus.WithField("component", "tenant"),
	}
}

// Middleware resolves the tenant and stores it in the request context.
// Requests that resolve no tenant pass through without one; handlers
// that need a tenant use RequireTenant.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if t := r.Resolve(req); t != nil {
			req = req.WithContext(WithTenant(req.Context(), t))
		}
		next.ServeHTTP(w, req)
	})
}

// Resolve returns the request's tenant or nil. Inactive tenants never
// resolve.
func (r *Resolver) Resolve(req *http.Request) *store.Tenant {
	if t := r.fromBearer(req); t != nil {
		return t
	}
	if t := r.fromAPIKey(req); t != nil {
		return t
	}
	if t := r.fromSubdomain(req); t != nil {
		return t
	}
	if r.SelfHosted && r.DefaultSlug != "" {
		if t, err := r.store.TenantBySlug(r.DefaultSlug); err == nil && t.Active {
			return t
		}
	}
	return nil
}

func (r *Resolver) fromBearer(req *http.Request) *store.Tenant {
	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	claims, err := r.issuer.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil
	}
	t, err := r.store.Tenant(tenantID)
	if err != nil || !t.Active {
		return nil
	}
	return t
}

func (r *Resolver) fromAPIKey(req *http.Request) *store.Tenant {
	key := req.Header.Get("X-API-Key")
	if key == "" {
		return nil
	}
	record, err := r.store.APIKeyByHash(auth.HashToken(key))
	if err != nil {
		return nil
	}
	t, err := r.store.Tenant(record.TenantID)
	if err != nil || !t.Active {
		return nil
	}
	if err := r.store.TouchAPIKey(record.ID, time.Now()); err != nil {
		r.logger.WithError(err).Debug("Failed to record API key use.")
	}
	return t
}

func (r *Resolver) fromSubdomain(req *http.Request) *store.Tenant {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	parts := strings.Split(host, ".")
	// A bare domain or an IP has no subdomain to resolve.
	if len(parts) < 3 {
		return nil
	}
	sub := strings.ToLower(parts[0])
	if sub == "" || reservedSubdomains[sub] {
		return nil
	}
	t, err := r.store.TenantBySlug(sub)
	if err != nil || !t.Active {
		return nil
	}
	return t
}

// RequireTenant wraps a handler, rejecting requests with no resolved
// tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := FromContext(req.Context()); !ok {
			http.Error(w, `{"error":"tenant not found"}`, http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, req)
	})
}
