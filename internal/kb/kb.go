package kb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/deskmate/deskmate/internal/config"
)

// DefaultTopK is the number of documents handed to the reply generator.
const DefaultTopK = 2

var (
	documentExts = map[string]bool{".md": true, ".txt": true, ".json": true}
	termRegex    = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// Document is a knowledge-base file. Title is the file name.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// LoadDocuments reads every .md, .txt and .json file directly under dir in
// directory order. A missing directory is an empty knowledge base; a file
// that cannot be read is skipped.
func LoadDocuments(dir string, logger *slog.Logger) ([]Document, error) {
	if logger == nil {
		logger = config.DiscardLogger()
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base directory: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !documentExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("skipping unreadable knowledge base file", "file", entry.Name(), "error", err)
			continue
		}
		docs = append(docs, Document{
			Title:   entry.Name(),
			Content: strings.ToValidUTF8(string(data), ""),
		})
	}
	return docs, nil
}

// Retriever ranks knowledge-base documents by term overlap with a query.
// The directory is re-read on every call so edits show up immediately.
type Retriever struct {
	dir    string
	logger *slog.Logger
}

func NewRetriever(dir string, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	return &Retriever{dir: dir, logger: logger}
}

// Dir returns the directory the retriever reads from.
func (r *Retriever) Dir() string { return r.dir }

// Retrieve returns up to topK documents with a nonzero score, best first.
// When nothing scores, the first document is returned on its own.
// topK <= 0 means DefaultTopK.
func (r *Retriever) Retrieve(query string, topK int) []Document {
	if topK <= 0 {
		topK = DefaultTopK
	}

	docs, err := LoadDocuments(r.dir, r.logger)
	if err != nil {
		r.logger.Warn("knowledge base unavailable", "dir", r.dir, "error", err)
		return nil
	}
	if len(docs) == 0 {
		return nil
	}

	return rank(terms(query), docs, topK)
}

type scored struct {
	doc   Document
	score int
}

func rank(queryTerms map[string]struct{}, docs []Document, topK int) []Document {
	results := make([]scored, len(docs))
	for i, d := range docs {
		results[i] = scored{doc: d, score: overlap(queryTerms, terms(d.Content))}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	var out []Document
	for _, s := range results {
		if s.score > 0 {
			out = append(out, s.doc)
		}
	}
	if len(out) == 0 {
		return docs[:1]
	}
	return out
}

func terms(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range termRegex.FindAllString(strings.ToLower(text), -1) {
		set[t] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

// FormatContext renders documents as "[title]\ncontent" blocks separated by
// a blank line.
func FormatContext(docs []Document) string {
	blocks := make([]string, len(docs))
	for i, d := range docs {
		blocks[i] = "[" + d.Title + "]\n" + d.Content
	}
	return strings.Join(blocks, "\n\n")
}
