// Package crawler defines the domain types and collaborator interfaces shared
// by the catalog crawl pipeline: tasks, records, session state and the
// stores, queues and fetchers that move them between workers.
package crawler
