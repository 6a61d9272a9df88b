// Package crawler defines the domain model, collaborator interfaces, and
// error taxonomy shared by the crawl, index, and recall subsystems.
package crawler
