package listing

// Deduplicator tracks which listing keys a collection run has already accepted.
// It is owned by a single run and is not safe for concurrent use.
type Deduplicator struct {
	seen map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// IsNew reports whether r's key has not been registered. It never mutates.
func (d *Deduplicator) IsNew(r Record) bool {
	_, ok := d.seen[r.Key()]
	return !ok
}

// Register records r's key. Registering the same key again is a no-op.
func (d *Deduplicator) Register(r Record) {
	d.seen[r.Key()] = struct{}{}
}

// Seed registers every record of a prior dataset.
func (d *Deduplicator) Seed(records []Record) {
	for _, r := range records {
		d.Register(r)
	}
}

// Len returns the number of distinct keys registered.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}
