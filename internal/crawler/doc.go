// Package crawler holds the catalog crawler's domain types, the interfaces the
// pipeline stages implement, sentinel errors and URL/key helpers. It has no
// dependencies on concrete fetchers or stores.
package crawler
