// Package crawler holds the domain model of the competitor scanner: fetch
// results, competitors, snapshots and their status machine, page records,
// coded errors, and the interfaces implemented by fetchers, stores, blob
// stores, publishers and summarizers.
package crawler
