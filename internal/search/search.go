package search

// Result is a single task hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
	Status       string `json:"status"`
	ProjectID    string `json:"projectId"`
	ProjectTitle string `json:"projectTitle,omitempty"`
}

// Query describes a search request. ProjectIDs scopes results to the
// projects the caller belongs to; an empty slice yields no results.
type Query struct {
	Text       string
	ProjectIDs []string
	Status     string // empty = all statuses
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over tasks.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	ProjectID    string `json:"projectId"`
	ProjectTitle string `json:"projectTitle"`
}
