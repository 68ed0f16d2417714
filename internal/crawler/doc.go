// Package crawler defines the fetch types and collaborator interfaces shared by
// the scheduler pipeline, the fetchers, and the outcome stores.
package crawler
