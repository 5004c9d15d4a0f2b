// Package cache implements the cache-aside layer of the weather proxy on a
// Redis backend.
//
// The calling code owns the cache-aside sequence: it looks an entry up with
// Store.Get, fetches fresh data on a miss, and writes the result back with
// Store.Set. The store itself never fetches.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewStore(redisClient, registry, cache.DefaultStoreConfig())
//
//	key := cache.WeatherKey("  London ")
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch fresh, then:
//		_ = store.Set(ctx, key, cache.NewEntry(payload, http.StatusOK), 10*time.Minute)
//	}
//
// # Degradation
//
// A Redis failure never fails the request. Get reports backend errors as a
// miss (wrapping both ErrCacheMiss and ErrCacheDegraded) and Set errors are
// logged and counted; callers are free to ignore them. A store built with a
// nil client reports StatusNotConfigured and treats every lookup as a miss.
//
// # Key Policy
//
// Keys are "<resource>:<normalized id>". City names are trimmed, case-folded
// and have inner whitespace collapsed; target URLs have scheme and host
// case-folded, the fragment dropped and the query sorted. The same
// normalization runs on read and write, so one logical resource maps to
// exactly one key. Only GET is cache-eligible.
//
// # Metrics
//
//   - weather_proxy_cache_operations_total{operation="get|set", result="hit|miss|error|success"}
//   - weather_proxy_redis_connected
package cache
