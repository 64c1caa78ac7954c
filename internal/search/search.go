package search

// ResultType identifies the kind of directory entity in a search result.
type ResultType string

const (
	ResultPersonnel ResultType = "personnel"
	ResultLead      ResultType = "lead"
)

// Result is a single directory search hit.
type Result struct {
	Type   ResultType `json:"type"`
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Email  string     `json:"email"`
	Detail string     `json:"detail"`
}

// Query describes a directory search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a directory search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PersonnelRecord is the data indexed for a personnel entry.
type PersonnelRecord struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Type      string `json:"type"`
}

// LeadRecord is the data indexed for a lead.
type LeadRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Stage   string `json:"stage"`
}
