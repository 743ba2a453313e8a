// Package ratelimit admits or rejects chat actions per key.
//
// Each key gets two fixed windows: a regular window (MaxRequests per Window)
// and a shorter burst window (BurstLimit per BurstWindow). A request is
// admitted only when both have capacity. Rejections are counted per key;
// the count survives window rollover so repeat offenders keep escalating.
//
// In adaptive mode the effective limits for a key scale with its trust
// score, which is derived from recent violations. The scaling happens per
// call and never touches the shared Config.
package ratelimit
