package models

import "time"

// Chunk is a bounded span of text extracted from one document.
type Chunk struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	SourceDocumentID string    `json:"sourceDocumentId"`
	Source           string    `json:"source"`
	ChunkIndex       int       `json:"chunkIndex"`
	CreatedAt        time.Time `json:"createdAt"`
	Embedding        []float64 `json:"-"`
}

// Document is the unit of ingestion and deletion. It owns its chunks.
type Document struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	FileType      string    `json:"fileType"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	UploadedAt    time.Time `json:"uploadedAt"`
	ContentHash   string    `json:"contentHash"`
	ChunkIDs      []string  `json:"chunkIds,omitempty"`
}

// DocumentSummary is the admin view of an indexed document.
type DocumentSummary struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	FileType    string    `json:"fileType"`
	ChunkCount  int       `json:"chunkCount"`
	UploadedAt  time.Time `json:"uploadedAt"`
	ContentHash string    `json:"contentHash"`
}

// SearchResult pairs a chunk with its cosine similarity to a query.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RAGResponse is the result of a single question.
type RAGResponse struct {
	Answer               string         `json:"answer"`
	Sources              []SearchResult `json:"sources"`
	Confidence           float64        `json:"confidence"`
	ProcessingTime       time.Duration  `json:"processingTime"`
	ExpandedQueries      []string       `json:"expandedQueries,omitempty"`
	SynthesisUnavailable bool           `json:"synthesisUnavailable,omitempty"`
}

// QueryRequest carries a question and optional retrieval overrides.
// Nil pointers fall back to the engine defaults.
type QueryRequest struct {
	Question            string   `json:"question"`
	MaxSources          *int     `json:"maxSources,omitempty"`
	SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
}

// IndexStats summarises the contents of a vector index.
type IndexStats struct {
	TotalChunks    int    `json:"totalChunks"`
	TotalDocuments int    `json:"totalDocuments"`
	StorageSize    string `json:"storageSize"`
	StorageBytes   int64  `json:"storageBytes"`
}

// Capabilities is the static feature-flag map reported by the status endpoint.
type Capabilities struct {
	DocumentProcessing bool `json:"documentProcessing"`
	SemanticSearch     bool `json:"semanticSearch"`
	QuestionAnswering  bool `json:"questionAnswering"`
}

// Operational states reported by SystemStatus.
const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
	StatusDown        = "down"
)

// SystemStatus is consumed by external health dashboards.
type SystemStatus struct {
	Status             string       `json:"status"`
	VectorStore        IndexStats   `json:"vectorStore"`
	Capabilities       Capabilities `json:"capabilities"`
	SupportedFileTypes []string     `json:"supportedFileTypes"`
}
