// Package kvguard is a resilient client layer over a remote Redis-compatible store.
// A single managed connection is shared by every higher-level primitive; each
// primitive degrades to a defined fallback when the store is unavailable.
//
// Components:
//   - conn.Manager: one logical connection; shared in-flight dial, back-off holds
//     after resource-exhaustion and configuration faults.
//   - breaker.Breaker: closed/open/half-open guard for store calls.
//   - cache.Cache: cache-aside values with TTL and namespaced keys.
//   - ratelimit.Limiter: sliding-window counters (sorted set per identifier).
//   - session.Manager: sliding-TTL sessions, wizard state, single-use OAuth state.
//   - monitor.Monitor: periodic health sampling into a bounded ring.
//
// Keys (all under a configurable root):
//
//	cache:<prefix><key>
//	rate_limit:<identifier>
//	session:<id>  user_session:<userId>
//	job_campaign:<userId>
//	oauth_state:<companyId>:<state>
//
// Failure policy: cache and session calls return zero values / false, the rate
// limiter fails open. Connection and breaker faults surface as ErrConnectionTimeout,
// ErrCircuitOpen and *FaultError.
package kvguard
