package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = `<!doctype html>
<html><head><title> Refund policy </title><style>body{color:red}</style></head>
<body>
<nav><a href="/home">Home</a></nav>
<h1>Refunds</h1>
<p>Refunds take   five
business days.</p>
<script>track()</script>
<a href="/terms#section">Terms</a>
<a href="/terms">Terms again</a>
<a href="mailto:help@example.com">Mail</a>
<a href="https://other.example/faq">FAQ</a>
</body></html>`

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer srv.Close()

	tool := NewWebFetch(srv.Client())
	args, _ := json.Marshal(map[string]string{"url": srv.URL + "/refunds"})
	out, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)

	res := AsResult(out)
	page, ok := res.Content.(*Page)
	require.True(t, ok)
	assert.Equal(t, "Refund policy", page.Title)
	assert.Equal(t, "Refunds Refunds take five business days. Terms Terms again Mail FAQ", page.Text)
	assert.Equal(t, []string{srv.URL + "/terms", "https://other.example/faq"}, page.Links)

	require.Len(t, res.SourceDocuments, 1)
	assert.Equal(t, page.Text, res.SourceDocuments[0].PageContent)
	assert.Equal(t, srv.URL+"/refunds", res.SourceDocuments[0].Metadata["source"])

	args, _ = json.Marshal(map[string]string{"url": srv.URL + "/missing"})
	_, err = tool.Execute(context.Background(), args)
	assert.ErrorContains(t, err, "HTTP 404")
}

func TestWebFetch_RejectsNonHTTPURLs(t *testing.T) {
	tool := NewWebFetch(nil)
	for _, raw := range []string{"", "file:///etc/passwd", "example.com/page"} {
		args, _ := json.Marshal(map[string]string{"url": raw})
		_, err := tool.Execute(context.Background(), args)
		assert.ErrorContains(t, err, "absolute http(s) URL", raw)
	}
}
