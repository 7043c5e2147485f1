// Package crawler defines the domain contracts shared by the scheduler, the
// frontier, and the pluggable collaborators they drive: archival units,
// fetchers, content repositories, link extractors, permission checkers,
// activity locks, and alert sinks.
package crawler
