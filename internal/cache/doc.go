// Package cache deduplicates identical requests.
//
// FunctionCache keys each request by the canonical JSON fingerprint of
// its parameters. The first request for a fingerprint invokes the
// handler; later ones share the same CacheItem, whose replay log lets a
// late listener see the full history without re-invoking the handler.
//
// Items are reference counted. GetItem and Listen take a reference;
// when the last one is released the item is evicted. Invalidating an
// item that is still referenced re-invokes the handler in place and
// sends Restart to its listeners.
package cache
