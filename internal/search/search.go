package search

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Type       string `json:"type"`
	SchoolID   string `json:"schoolId,omitempty"`
}

// Query describes a search request over document metadata.
type Query struct {
	Text           string
	FilterType     string // text | spreadsheet | presentation, empty = all
	FilterSchoolID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push document metadata into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the denormalized metadata we index per document:
// lowercase title and description maintained alongside the primary record.
type DocumentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	SchoolID    string `json:"schoolId"`
	OwnerID     string `json:"ownerId"`
	Visibility  string `json:"visibility"`
}
