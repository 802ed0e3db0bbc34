// Package fundstream provides a resilient multi-source data acquisition
// layer for mutual-fund market data: ranked-source failover with a
// synthetic terminal fallback, checksum-based consistency validation
// against recent history, and a priority-aware fetch scheduler with TTL
// caching.
package fundstream
