package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testUploader(t *testing.T, publicBase string) *Uploader {
	t.Helper()
	u, err := NewUploader(Config{
		Endpoint:      "http://localhost:9000",
		Region:        "us-east-1",
		AccessKey:     "key",
		SecretKey:     "secret",
		Bucket:        "stories",
		PublicBaseURL: publicBase,
		UsePathStyle:  true,
		Prefix:        "/assets/",
	})
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	u.newID = func() string { return "abc" }
	return u
}

func TestNewUploaderValidation(t *testing.T) {
	_, err := NewUploader(Config{Region: "r", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)
	_, err = NewUploader(Config{Bucket: "b", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)
	_, err = NewUploader(Config{Bucket: "b", Region: "r"})
	assert.Error(t, err)
}

func TestGenerateKeyAndOwnership(t *testing.T) {
	u := testUploader(t, "")

	key := u.generateKey(ScopeMascots, "user-1", "image/png")
	assert.Equal(t, "assets/mascots/user-1/2025/03/01/abc.png", key)

	assert.True(t, u.OwnedBy(key, "user-1"))
	assert.False(t, u.OwnedBy(key, "user-2"))
	assert.False(t, u.OwnedBy("other/mascots/user-1/2025/03/01/abc.png", "user-1"))
	assert.False(t, u.OwnedBy("assets/mascots/user-1/../user-2/03/01/abc.png", "user-1"))
	assert.False(t, u.OwnedBy(key, ""))
}

func TestURLWithPublicBase(t *testing.T) {
	u := testUploader(t, "https://cdn.example.com/")

	url, err := u.URL(context.Background(), "assets/pages/u/2025/03/01/abc.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/assets/pages/u/2025/03/01/abc.png", url)

	_, err = u.URL(context.Background(), "")
	assert.Error(t, err)
}

func TestURLPresigned(t *testing.T) {
	u := testUploader(t, "")

	url, err := u.URL(context.Background(), "assets/pages/u/2025/03/01/abc.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:9000/stories/assets/pages/u/2025/03/01/abc.png?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=3600")
}

func TestNormalizeImageContentType(t *testing.T) {
	cases := []struct {
		header string
		data   []byte
		want   string
	}{
		{"image/png; charset=binary", nil, "image/png"},
		{"IMAGE/JPG", nil, "image/jpeg"},
		{"application/octet-stream", pngHeader, "image/png"},
		{"", pngHeader, "image/png"},
	}
	for _, c := range cases {
		got, err := NormalizeImageContentType(c.header, c.data)
		require.NoError(t, err, c.header)
		assert.Equal(t, c.want, got, c.header)
	}

	_, err := NormalizeImageContentType("text/html", []byte("<html></html>"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestFetcherDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngHeader)
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>nope</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)

	data, ct, err := f.Download(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, pngHeader, data)

	_, _, err = f.Download(context.Background(), srv.URL+"/page.html")
	assert.ErrorIs(t, err, ErrNotImage)

	_, _, err = f.Download(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
