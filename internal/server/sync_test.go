package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/filesync/internal/config"
	"github.com/dharsanguruparan/filesync/internal/logging"
	"github.com/dharsanguruparan/filesync/internal/model"
	"github.com/dharsanguruparan/filesync/internal/queue"
	"github.com/dharsanguruparan/filesync/internal/storage"
)

type spyNotifier struct {
	mu    sync.Mutex
	files []model.StoredFile
	rids  []string
	err   error
}

func (s *spyNotifier) Synced(_ context.Context, file *model.StoredFile, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, *file)
	s.rids = append(s.rids, requestID)
	return s.err
}

func newTestServer(t *testing.T, maxSize int64, notifier queue.Notifier) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewDiskStore(root)
	require.NoError(t, err)
	cfg := &config.Config{
		Address:           "127.0.0.1:0",
		SharedRoot:        root,
		MaxFileSize:       maxSize,
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
	}
	return New(cfg, store, notifier, logging.Discard()), store.Root()
}

// multipartBody builds a body with a single part. The filename is written
// into the header verbatim so traversal attempts reach the server unchanged.
func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	disposition := fmt.Sprintf(`form-data; name=%q`, field)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filename)
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", "application/octet-stream")
	part, err := writer.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func doSync(t *testing.T, h http.Handler, field, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, field, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/sync", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func rootEntries(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSyncStoresReport(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	content := []byte("a,b,c\n1,2,3\n")

	rr := doSync(t, srv.Handler(), "file", "report.csv", content)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "File synced successfully", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	got, err := os.ReadFile(filepath.Join(root, "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSyncIsIdempotent(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	content := []byte("same bytes every time")

	for i := 0; i < 2; i++ {
		rr := doSync(t, srv.Handler(), "file", "same.txt", content)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	got, err := os.ReadFile(filepath.Join(root, "same.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"same.txt"}, rootEntries(t, root))
}

func TestSyncLastWriteWins(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)

	require.Equal(t, http.StatusOK, doSync(t, srv.Handler(), "file", "v.txt", []byte("one")).Code)
	require.Equal(t, http.StatusOK, doSync(t, srv.Handler(), "file", "v.txt", []byte("two")).Code)

	got, err := os.ReadFile(filepath.Join(root, "v.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestSyncRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		wantCode int
		wantBody string
	}{
		{"missing file part", "other", "report.csv", http.StatusBadRequest, "missing file part"},
		{"missing filename", "file", "", http.StatusBadRequest, "missing filename"},
		{"parent traversal", "file", "../../etc/passwd", http.StatusBadRequest, "unsafe filename"},
		{"nested path", "file", "sub/report.csv", http.StatusBadRequest, "unsafe filename"},
		{"dot dot", "file", "..", http.StatusBadRequest, "unsafe filename"},
		{"absolute path", "file", "/etc/passwd", http.StatusBadRequest, "unsafe filename"},
		{"temp prefix", "file", storage.TempPrefix + "x.part", http.StatusBadRequest, "unsafe filename"},
		{"too long", "file", strings.Repeat("n", 300), http.StatusBadRequest, "invalid filename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, root := newTestServer(t, 0, nil)

			rr := doSync(t, srv.Handler(), tt.field, tt.filename, []byte("payload"))

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantBody)
			assert.Empty(t, rootEntries(t, root), "nothing may be written on rejection")
			assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "passwd"))
		})
	}
}

func TestSyncRejectsNonMultipart(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)

	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("plain body"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rootEntries(t, root))
}

func TestSyncRejectsMalformedMultipart(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)

	body := "--xyz\r\nContent-Disposition: form-data; name=\"file\"; filename=\"a.txt\"\r\n\r\nunterminated"
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rootEntries(t, root))
}

func TestSyncMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, 0, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSyncTooLarge(t *testing.T) {
	const limit = 1000
	tests := []struct {
		name     string
		size     int
		wantCode int
	}{
		{"well over", 64 * 1024, http.StatusRequestEntityTooLarge},
		{"within framing allowance", 4000, http.StatusRequestEntityTooLarge},
		{"one byte over", limit + 1, http.StatusRequestEntityTooLarge},
		{"exactly at limit", limit, http.StatusOK},
		{"under limit", limit - 1, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, root := newTestServer(t, limit, nil)
			content := bytes.Repeat([]byte("x"), tt.size)

			rr := doSync(t, srv.Handler(), "file", "sized.bin", content)

			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.wantCode != http.StatusOK {
				assert.Equal(t, "file too large\n", rr.Body.String())
				assert.Empty(t, rootEntries(t, root))
				return
			}
			got, err := os.ReadFile(filepath.Join(root, "sized.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestLimitedPartReportsMaxBytesError(t *testing.T) {
	lp := &limitedPart{r: strings.NewReader("abcdef"), remaining: 4, limit: 4}

	got, err := io.ReadAll(lp)

	var tooLarge *http.MaxBytesError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(4), tooLarge.Limit)
	assert.Equal(t, "abcd", string(got))
}

func TestSyncStorageFailureIsServerError(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	require.NoError(t, os.Mkdir(filepath.Join(root, "occupied"), 0o755))

	rr := doSync(t, srv.Handler(), "file", "occupied", []byte("payload"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, []string{"occupied"}, rootEntries(t, root))
}

func TestSyncNotifies(t *testing.T) {
	spy := &spyNotifier{}
	srv, _ := newTestServer(t, 0, spy)

	body, contentType := multipartBody(t, "file", "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/sync", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", "rid-42")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, spy.files, 1)
	assert.Equal(t, "notes.txt", spy.files[0].Name)
	assert.Equal(t, int64(5), spy.files[0].Size)
	assert.Equal(t, "rid-42", spy.rids[0])
}

func TestSyncNotificationFailureStillSucceeds(t *testing.T) {
	spy := &spyNotifier{err: errors.New("redis unavailable")}
	srv, root := newTestServer(t, 0, spy)

	rr := doSync(t, srv.Handler(), "file", "kept.txt", []byte("kept"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.FileExists(t, filepath.Join(root, "kept.txt"))
}

func TestSyncNotCalledOnRejection(t *testing.T) {
	spy := &spyNotifier{}
	srv, _ := newTestServer(t, 0, spy)

	rr := doSync(t, srv.Handler(), "file", "../escape", []byte("x"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, spy.files)
}

func postFile(client *http.Client, url, name string, content []byte) (int, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return 0, err
	}
	if _, err := part.Write(content); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	resp, err := client.Post(url+"/sync", writer.FormDataContentType(), body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func TestSyncConcurrentDistinctNames(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const uploads = 16
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := bytes.Repeat([]byte{byte('a' + i)}, 256*1024)
			code, err := postFile(ts.Client(), ts.URL, fmt.Sprintf("part-%02d.bin", i), content)
			assert.NoError(t, err)
			assert.Equal(t, http.StatusOK, code)
		}(i)
	}
	wg.Wait()

	for i := 0; i < uploads; i++ {
		got, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("part-%02d.bin", i)))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 256*1024), got)
	}
	assert.Len(t, rootEntries(t, root), uploads)
}

func TestSyncConcurrentSameName(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	payloadA := bytes.Repeat([]byte("A"), 512*1024)
	payloadB := bytes.Repeat([]byte("B"), 512*1024)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		payload := payloadA
		if i%2 == 1 {
			payload = payloadB
		}
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			code, err := postFile(ts.Client(), ts.URL, "contended.bin", p)
			assert.NoError(t, err)
			assert.Equal(t, http.StatusOK, code)
		}(payload)
	}
	wg.Wait()

	got, err := os.ReadFile(filepath.Join(root, "contended.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, payloadA) || bytes.Equal(got, payloadB), "final content must be exactly one payload")
	assert.Equal(t, []string{"contended.bin"}, rootEntries(t, root))
}

func TestSyncClientDisconnectLeavesNoFile(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", "partial.bin")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_, _ = part.Write(bytes.Repeat([]byte("z"), 64*1024))
		// Abort mid-part: the closing boundary is never sent.
		_ = pw.CloseWithError(errors.New("client went away"))
	}()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/sync", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := ts.Client().Do(req)
	if err == nil {
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	}

	// The handler may still be unwinding after the client gave up.
	assert.Eventually(t, func() bool {
		return len(rootEntries(t, root)) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealth(t *testing.T) {
	srv, root := newTestServer(t, 0, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	require.NoError(t, os.RemoveAll(root))
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
