package storage

import "time"

// Entry is the tuple stored per chunk in the vector collection. The
// payload metadata (source, ordinal, page, chapter) is the only way
// retrieval recovers provenance, so it always travels with the vector.
type Entry struct {
	ID        string // deterministic chunk id: "<sourceBase>_<ordinal>"
	Text      string
	Source    string
	Ordinal   int
	Page      int
	Chapter   string
	Embedding []float32
}

// ScoredEntry is a query hit. Distance is the cosine distance
// (1 - similarity); the retrieval layer converts it to a relevance score.
type ScoredEntry struct {
	Entry
	Distance float64
}

// Config holds vector store connection and batching parameters.
type Config struct {
	Host           string
	Port           int
	Collection     string
	Dimension      int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	BatchSize      int
	BatchDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
}
