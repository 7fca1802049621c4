// Package rediscache provides a Redis-backed xmediator.CacheStore.
//
// Store name: "redis"
//
// Entries are Redis hashes under "<prefix><contract key>" holding the
// codec-encoded value and its timestamps; the key expires with the entry.
// Values come back as xmediator.Encoded and are decoded by the caching
// middleware into the request's result type.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username, password, db
// - tls, tls_server_name
// - prefix: key prefix (default "xmediator:cache:")
// - codec: registered codec name (default "json")
//
// Example builder usage:
//
//	m, _ := xmediator.NewBuilder().
//	    WithCacheStoreName(rediscache.StoreName, map[string]any{
//	        "addr":   "localhost:6379",
//	        "prefix": "orders:cache:",
//	    }).
//	    Build()
package rediscache
