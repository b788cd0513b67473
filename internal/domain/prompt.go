package domain

import (
	"net/url"
	"strings"
	"time"
)

// Prompt is a monitoring prompt owned by a brand.
type Prompt struct {
	ID        string
	BrandID   string
	UserID    string
	Text      string
	CreatedAt time.Time
}

// PromptJob is one unit of work: a prompt executed for a report.
type PromptJob struct {
	PromptID string
	Text     string
	ReportID string
}

// PromptResult stores the rendered response for one prompt of a report.
type PromptResult struct {
	ID           string
	ReportID     string
	PromptID     string
	JobID        string
	ResponseText string
	Partial      bool
	ContentHash  string
	Citations    []Citation
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Citation is a third-party URL cited by a response.
type Citation struct {
	URL    string
	Domain string
}

// HostDomain returns the lowercased host of rawURL without a leading "www.".
func HostDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func NewCitation(rawURL string) Citation {
	return Citation{URL: rawURL, Domain: HostDomain(rawURL)}
}
