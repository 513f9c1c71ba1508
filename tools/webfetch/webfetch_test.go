package webfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fetch(t *testing.T, url string) (string, string) {
	t.Helper()
	tool := New()
	args, _ := json.Marshal(map[string]string{"url": url})
	result, err := tool.Execute(context.Background(), "web_fetch", args)
	if err != nil {
		t.Fatal(err)
	}
	return result.Content, result.Error
}

func TestFetchArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Test Page</title></head><body>
			<article><h1>Header</h1><p>First paragraph of meaningful article text
			that readability should keep because it looks like real content and
			has a reasonable length for extraction heuristics.</p></article>
			</body></html>`))
	}))
	defer srv.Close()

	content, errText := fetch(t, srv.URL)
	if errText != "" {
		t.Fatalf("unexpected error: %s", errText)
	}
	if !strings.Contains(content, "meaningful article text") {
		t.Errorf("content = %q", content)
	}
}

func TestFetch404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	_, errText := fetch(t, srv.URL)
	if errText == "" {
		t.Error("expected error for 404")
	}
}

func TestFetchRejectsNonHTTP(t *testing.T) {
	_, errText := fetch(t, "file:///etc/passwd")
	if errText == "" {
		t.Error("expected error for non-http scheme")
	}
}

func TestFetchTruncation(t *testing.T) {
	big := strings.Repeat("words and more words ", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>" + big + "</p></body></html>"))
	}))
	defer srv.Close()

	content, _ := fetch(t, srv.URL)
	if len(content) > 8100 {
		t.Errorf("content not truncated: %d", len(content))
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>body{color:red}</style><script>var x=1;</script></head>
<body><h1>Title</h1><p>Hello <b>world</b></p><div>second line</div></body></html>`
	got := stripHTML(in)
	if strings.Contains(got, "color:red") || strings.Contains(got, "var x") {
		t.Errorf("script/style leaked: %q", got)
	}
	if !strings.Contains(got, "Hello world") || !strings.Contains(got, "second line") {
		t.Errorf("text lost: %q", got)
	}
}
