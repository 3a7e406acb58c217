package providers

import "context"

// SearchResult is one ranked web search hit.
type SearchResult struct {
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Page is the extracted text of a fetched URL.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// WebClient is the web search and fetch capability used by research.
type WebClient interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Fetch(ctx context.Context, url string) (Page, error)
}

// Artifact is one generated file.
type Artifact struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
}

// Deployment is where a project ended up.
type Deployment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Deployer publishes a project's artifacts.
type Deployer interface {
	Deploy(ctx context.Context, projectName string, artifacts []Artifact) (Deployment, error)
}
