// Package ingest turns submitted documents into embedded, searchable
// chunks. A single background consumer drives each ingestion job through
// the Queued, Processing, Completed or Failed states.
package ingest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/devloop/coach/internal/content"
)

// Request is one ingestion submission. Concrete payloads carry the
// source-specific inputs; the coordinator dispatches on the dynamic type.
type Request interface {
	// Source is the chunk source the request produces.
	Source() content.Source

	// ParentDocumentID identifies the logical document, stable across
	// re-submissions so re-ingestion replaces prior chunks.
	ParentDocumentID() string

	// Validate rejects requests that can never be processed.
	Validate() error
}

// PDF ingests a PDF document. Page text comes from the configured
// PageExtractor collaborator.
type PDF struct {
	DocumentID string
	Title      string
	Author     string
	Technology string
	Data       []byte
}

func (p PDF) Source() content.Source   { return content.SourcePDF }
func (p PDF) ParentDocumentID() string { return "pdf:" + p.DocumentID }

func (p PDF) Validate() error {
	if strings.TrimSpace(p.DocumentID) == "" {
		return fmt.Errorf("pdf: document ID is required")
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("pdf: data is empty")
	}
	return nil
}

// Transcript ingests a raw video transcript. The transcript is cleaned
// before chunking.
type Transcript struct {
	VideoID    string
	Title      string
	Author     string
	Technology string
	Raw        string
}

func (t Transcript) Source() content.Source   { return content.SourceVideoTranscript }
func (t Transcript) ParentDocumentID() string { return "video:" + t.VideoID }

func (t Transcript) Validate() error {
	if strings.TrimSpace(t.VideoID) == "" {
		return fmt.Errorf("transcript: video ID is required")
	}
	if strings.TrimSpace(t.Raw) == "" {
		return fmt.Errorf("transcript: raw text is empty")
	}
	return nil
}

// Docs crawls official documentation starting at URL, bounded by
// MaxPages, and ingests each crawled page.
type Docs struct {
	URL        string
	Technology string
	MaxPages   int
}

func (d Docs) Source() content.Source   { return content.SourceOfficialDocs }
func (d Docs) ParentDocumentID() string { return "docs:" + d.URL }

func (d Docs) Validate() error {
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("docs: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("docs: URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("docs: URL host is required")
	}
	return nil
}

// Article ingests a single article. HTML submissions are reduced to
// readable text; Raw submissions are used as-is.
type Article struct {
	URL        string
	Title      string
	Author     string
	Technology string
	HTML       string
	Raw        string
}

func (a Article) Source() content.Source   { return content.SourceArticle }
func (a Article) ParentDocumentID() string { return "article:" + a.URL }

func (a Article) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("article: URL is required")
	}
	if strings.TrimSpace(a.HTML) == "" && strings.TrimSpace(a.Raw) == "" {
		return fmt.Errorf("article: content is empty")
	}
	return nil
}
