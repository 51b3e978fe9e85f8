package vectorstore

import "quorum/internal/domain"

// Storage persists embedded chunks in insertion order.
type Storage = domain.ChunkStore

// Stats summarises the content of a chunk store.
type Stats struct {
	TotalChunks    int            `json:"total_chunks"`
	TotalDocuments int            `json:"total_documents"`
	PerDocument    map[string]int `json:"documents"`
}

// Collect computes Stats over the store's chunks.
func Collect(s Storage) (Stats, error) {
	chunks, err := s.All()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalChunks: len(chunks), PerDocument: map[string]int{}}
	for _, ch := range chunks {
		st.PerDocument[ch.DocumentFilename]++
	}
	st.TotalDocuments = len(st.PerDocument)
	return st, nil
}
