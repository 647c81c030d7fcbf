package models

// TagIndexEntry is one row of the secondary tag index: a build carrying the
// indexed tag, together with its bucket so searches can pre-filter without
// fetching the record. Kept newest-first (ascending build id).
// Maps to: tag_index table, keyed by (tag, build_id)
type TagIndexEntry struct {
	Tag     string `db:"tag" json:"tag"`
	BuildID int64  `db:"build_id" json:"build_id"`
	Bucket  string `db:"bucket" json:"bucket"`
}
