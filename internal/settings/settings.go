// Package settings resolves the most-specific-wins override chain for
// per-fleet, per-node, and per-site policy knobs: a site override beats
// a node override, which beats the global default, and a knob left
// unset at every level falls back to a compiled-in constant rather
// than an error.
package settings

import "time"

// Defaults are the compiled-in, terminal fallbacks when no level of the
// override chain sets a value.
const (
	DefaultRetentionGraceDays = 7
	DefaultDriftFraction      = 0.01
	DefaultQuotaEstimateBytes = int64(1) << 30 // 1 GiB
)

// Overrides is one level of the chain: global, node, or site. Every field
// is a pointer so "unset" is distinguishable from "set to zero".
type Overrides struct {
	RetentionGraceDays  *int
	DriftFraction       *float64
	QuotaEstimateBytes  *int64
	UploadBandwidthBps  *int64
	Timezone            *string
}

// Resolved is the fully materialized policy for a single site, with every
// field guaranteed populated.
type Resolved struct {
	RetentionGraceDays time.Duration
	DriftFraction      float64
	QuotaEstimateBytes int64
	UploadBandwidthBps int64 // 0 = unlimited
	Timezone           string
}

// Resolve walks global -> node -> site, taking the most specific non-nil
// value for each knob, and fills anything still unset from the compiled-in
// defaults. levels later in the argument list win.
func Resolve(global, node, site *Overrides) Resolved {
	r := Resolved{
		RetentionGraceDays: DefaultRetentionGraceDays * 24 * time.Hour,
		DriftFraction:      DefaultDriftFraction,
		QuotaEstimateBytes: DefaultQuotaEstimateBytes,
		UploadBandwidthBps: 0,
		Timezone:           "Africa/Harare",
	}
	for _, lvl := range []*Overrides{global, node, site} {
		if lvl == nil {
			continue
		}
		if lvl.RetentionGraceDays != nil {
			r.RetentionGraceDays = time.Duration(*lvl.RetentionGraceDays) * 24 * time.Hour
		}
		if lvl.DriftFraction != nil {
			r.DriftFraction = *lvl.DriftFraction
		}
		if lvl.QuotaEstimateBytes != nil {
			r.QuotaEstimateBytes = *lvl.QuotaEstimateBytes
		}
		if lvl.UploadBandwidthBps != nil {
			r.UploadBandwidthBps = *lvl.UploadBandwidthBps
		}
		if lvl.Timezone != nil {
			r.Timezone = *lvl.Timezone
		}
	}
	return r
}

// IntPtr, Float64Ptr, Int64Ptr, and StringPtr are small convenience
// constructors for populating an Overrides literal without a local var.
func IntPtr(v int) *int          { return &v }
func Float64Ptr(v float64) *float64 { return &v }
func Int64Ptr(v int64) *int64    { return &v }
func StringPtr(v string) *string { return &v }
