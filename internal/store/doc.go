// Package store defines interfaces for persistence dependencies (crawl
// history and persisted crawl lists). Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
