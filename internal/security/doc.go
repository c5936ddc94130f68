// Package security implements the fleet's enrollment and credential
// handling: random registration codes for a Node joining the fleet,
// bcrypt-hashed API keys with constant-time comparison, and AES-256-GCM
// sealed storage-provider credentials that tolerate master-key rotation
// via KeyRing's current-plus-prior-generation fallback.
package security
