package vector

// Filter restricts a search to ids it accepts. A nil filter accepts
// everything.
type Filter func(id uint32) bool

// Candidate is one raw index hit, before owner keys and snapshot
// visibility are resolved.
type Candidate struct {
	ID   uint32
	Dist float32
}

// Index is the common surface of the flat and HNSW indexes. Inserting
// an existing id replaces its vector. Implementations are safe for
// concurrent use.
type Index interface {
	Insert(id uint32, vec []float32) error
	Delete(id uint32)
	Search(query []float32, k int, filter Filter) []Candidate
	Len() int
}
