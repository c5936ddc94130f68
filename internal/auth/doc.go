// Package auth issues and validates the bearer tokens user/admin
// principals authenticate with, and answers the RBAC questions of which
// nodes, sites, and backups a token's role may see.
//
// JWT issuance is HS256 via golang-jwt/jwt/v5, with a Claims type
// embedding jwt.RegisteredClaims plus a Scope claim distinguishing full
// access from an MFA-pending intermediate token; credential comparisons
// follow internal/security's constant-time API-key handling.
package auth
