package domain

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
)

func TestArticleIDIsDeterministic(t *testing.T) {
	t.Parallel()

	url := "https://nbw.sztu.edu.cn/info/1281/12345.htm"
	first := ArticleID(url, "ignored")
	second := ArticleID(url, "another title")
	if first != second {
		t.Fatalf("id changed between derivations: %s vs %s", first, second)
	}

	sum := md5.Sum([]byte(url))
	if first != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected id %s", first)
	}
}

func TestArticleIDFallsBackToTitle(t *testing.T) {
	t.Parallel()

	sum := md5.Sum([]byte("Campus notice"))
	if got := ArticleID("", "Campus notice"); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected title id %s", got)
	}
	if ArticleID("", "a") == ArticleID("", "b") {
		t.Fatalf("different titles must yield different ids")
	}
}

func TestMergeSummary(t *testing.T) {
	t.Parallel()

	detail := Article{Title: "Detail title", Author: "Office", PublishTime: "2024-03-05 10:20"}
	merged := detail.MergeSummary(ArticleSummary{
		Serial:        "3",
		URL:           "https://example.edu/a.htm",
		Title:         "Listing title",
		Category:      "通知",
		Department:    "教务部",
		PublishDate:   "2024-03-05",
		HasAttachment: true,
	})

	if merged.URL != "https://example.edu/a.htm" || merged.Title != "Detail title" {
		t.Fatalf("unexpected identity fields: %+v", merged)
	}
	if merged.Category != "通知" || merged.Department != "教务部" || !merged.HasAttachment {
		t.Fatalf("listing fields not merged: %+v", merged)
	}
	if merged.Filename() != ArticleID(merged.URL, "")+".json" {
		t.Fatalf("unexpected filename %s", merged.Filename())
	}
	if entry := merged.IndexEntry(); entry.PublishDate != "2024-03-05" || entry.PublishTime != "2024-03-05 10:20" {
		t.Fatalf("unexpected index entry: %+v", entry)
	}
}
