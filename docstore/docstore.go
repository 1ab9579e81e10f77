// Package docstore defines the boundary this repository shares with its
// embedded document-replication engine (e.g. a CouchDB-protocol store),
// which is out of scope (spec §1 Non-goals: "the document storage/
// replication protocol engine itself"). Manager (C8) mounts Store's
// handler under /db; the ACL gate in the admission middleware inspects
// request paths before they reach it but never interprets document
// bodies.
package docstore

import "context"

// Change is a single entry in a store's changes feed.
type Change struct {
	ID  string
	Seq string
	Rev string
}

// Store is the subset of a document-replication engine's surface that the
// rest of this repository needs to reason about: enough to route and
// ACL-gate requests, not to implement replication itself.
type Store interface {
	// Get fetches a document by ID.
	Get(ctx context.Context, id string) ([]byte, error)
	// Put stores or updates a document by ID.
	Put(ctx context.Context, id string, body []byte) (rev string, err error)
	// AllDocs lists every document ID currently stored under prefix.
	AllDocs(ctx context.Context, prefix string) ([]string, error)
	// Changes returns the changes feed since seq.
	Changes(ctx context.Context, since string) ([]Change, error)
	// RevsDiff reports, for each id/revs pair, the revisions missing
	// locally (the replication protocol's diff step).
	RevsDiff(ctx context.Context, revsByID map[string][]string) (map[string][]string, error)
	// BulkGet fetches many documents by ID in one round trip.
	BulkGet(ctx context.Context, ids []string) (map[string][]byte, error)
}

// LocalSeqPointID builds the `_local/<prefix><id>` document ID the ACL
// gate treats specially (spec §4.8, §6).
func LocalSeqPointID(prefix, id string) string {
	return "_local/" + prefix + id
}
