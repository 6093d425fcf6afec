package kb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDocs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func titles(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Title
	}
	return out
}

func TestLoadDocumentsFiltersAndOrders(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"b_refunds.md":  "refund policy",
		"a_login.txt":   "password reset steps",
		"c_plans.json":  `{"plans": ["team"]}`,
		"notes.pdf":     "ignored",
		"README":        "ignored",
		"d_shipping.MD": "shipping times",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.md"), 0755))

	docs, err := LoadDocuments(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_login.txt", "b_refunds.md", "c_plans.json", "d_shipping.MD"}, titles(docs))
	assert.Equal(t, "password reset steps", docs[0].Content)
}

func TestLoadDocumentsMissingDir(t *testing.T) {
	docs, err := LoadDocuments(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRetrieve(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"01_login.md":   "If you cannot log in, reset your password from the login page.",
		"02_billing.md": "Invoices are emailed monthly. Update billing details in settings.",
		"03_outage.md":  "During an outage check the status page. Login may be slow.",
	})
	r := NewRetriever(dir, nil)

	tests := []struct {
		name  string
		query string
		topK  int
		want  []string
	}{
		{
			name:  "best match first",
			query: "I need my invoices and billing settings",
			topK:  2,
			want:  []string{"02_billing.md"},
		},
		{
			name:  "ties keep directory order",
			query: "login",
			topK:  2,
			want:  []string{"01_login.md", "03_outage.md"},
		},
		{
			name:  "top k caps results",
			query: "login",
			topK:  1,
			want:  []string{"01_login.md"},
		},
		{
			name:  "no overlap falls back to first document",
			query: "zebra quantum",
			topK:  2,
			want:  []string{"01_login.md"},
		},
		{
			name:  "non-positive top k uses default",
			query: "login password page status",
			topK:  0,
			want:  []string{"01_login.md", "03_outage.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titles(r.Retrieve(tt.query, tt.topK)))
		})
	}
}

func TestRetrieveRereadsDirectory(t *testing.T) {
	dir := t.TempDir()
	r := NewRetriever(dir, nil)
	assert.Empty(t, r.Retrieve("anything", 2))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.txt"), []byte("anything goes"), 0644))
	assert.Equal(t, []string{"faq.txt"}, titles(r.Retrieve("anything", 2)))
}

func TestRetrieveMissingDirectory(t *testing.T) {
	r := NewRetriever(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Empty(t, r.Retrieve("login", 2))
}

func TestFormatContext(t *testing.T) {
	docs := []Document{
		{Title: "a.md", Content: "alpha"},
		{Title: "b.txt", Content: "beta"},
	}
	assert.Equal(t, "[a.md]\nalpha\n\n[b.txt]\nbeta", FormatContext(docs))
	assert.Equal(t, "", FormatContext(nil))
}
