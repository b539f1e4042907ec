package domain

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Article is one announcement persisted by the article store.
type Article struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Category      string `json:"category,omitempty"`
	Department    string `json:"department,omitempty"`
	Serial        string `json:"serial,omitempty"`
	Author        string `json:"author,omitempty"`
	PublishDate   string `json:"publish_date,omitempty"`
	PublishTime   string `json:"publish_time,omitempty"`
	HasAttachment bool   `json:"has_attachment"`
	Content       string `json:"content"`
	FetchTime     string `json:"fetch_time"`
}

// ArticleSummary is a single row extracted from a listing page.
type ArticleSummary struct {
	Serial        string
	URL           string
	Title         string
	Category      string
	Department    string
	PublishDate   string
	HasAttachment bool
}

// IndexEntry is the denormalized summary kept in the article index, keyed by URL.
type IndexEntry struct {
	Filename      string `json:"filename"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Department    string `json:"department"`
	PublishDate   string `json:"publish_date"`
	PublishTime   string `json:"publish_time"`
	HasAttachment bool   `json:"has_attachment"`
	FetchTime     string `json:"fetch_time"`
	Seq           int64  `json:"seq"`
}

// ArticleID derives the stable identifier: md5 of the URL, or of the title when the URL is empty.
func ArticleID(url, title string) string {
	key := strings.TrimSpace(url)
	if key == "" {
		key = strings.TrimSpace(title)
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ID returns the identifier of the article.
func (a Article) ID() string {
	return ArticleID(a.URL, a.Title)
}

// Filename is the document name used by the article store.
func (a Article) Filename() string {
	return a.ID() + ".json"
}

// MergeSummary fills listing-only fields the detail page does not carry.
func (a Article) MergeSummary(s ArticleSummary) Article {
	if a.URL == "" {
		a.URL = s.URL
	}
	if a.Title == "" {
		a.Title = s.Title
	}
	a.Category = s.Category
	a.Department = s.Department
	a.Serial = s.Serial
	a.HasAttachment = s.HasAttachment
	if a.PublishDate == "" {
		a.PublishDate = s.PublishDate
	}
	return a
}

// IndexEntry builds the index summary for the article.
func (a Article) IndexEntry() IndexEntry {
	return IndexEntry{
		Filename:      a.Filename(),
		URL:           a.URL,
		Title:         a.Title,
		Category:      a.Category,
		Department:    a.Department,
		PublishDate:   a.PublishDate,
		PublishTime:   a.PublishTime,
		HasAttachment: a.HasAttachment,
		FetchTime:     a.FetchTime,
	}
}
