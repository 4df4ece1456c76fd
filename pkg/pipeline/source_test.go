package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/UMEssen/saros-dataset/internal/models"
	"github.com/UMEssen/saros-dataset/pkg/tcia"
)

// newSourceServer fakes the archive endpoints the source touches: every
// series downloads the same two-file ZIP, while getSeriesMetaData reports
// the image count from the counts map.
func newSourceServer(t *testing.T, counts map[string]string) *httptest.Server {
	t.Helper()

	var zipBody bytes.Buffer
	zw := zip.NewWriter(&zipBody)
	for _, name := range []string{"1-001.dcm", "1-002.dcm"} {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to create zip entry: %v", err)
		}
		f.Write([]byte("not-a-real-dicom"))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok-1","refresh_token":"ref-1","expires_in":7200}`)
	})
	mux.HandleFunc("/services/getSeriesMetaData", func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("SeriesInstanceUID")
		fmt.Fprintf(w, `[{"Series UID":%q,"Modality":"CT","Number of Images":%q}]`, uid, counts[uid])
	})
	mux.HandleFunc("/services/getImage", func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipBody.Bytes())
	})
	return httptest.NewServer(mux)
}

func newSourceClient(t *testing.T, srv *httptest.Server) *tcia.Client {
	t.Helper()
	client := tcia.NewClient(tcia.Options{
		APIURL:   srv.URL + "/services",
		LoginURL: srv.URL + "/oauth/token",
		Retry: tcia.RetryPolicy{
			MaxAttempts: 1,
			Backoff:     func(int) time.Duration { return 0 },
		},
	})
	if err := client.GuestLogin(context.Background()); err != nil {
		t.Fatalf("GuestLogin failed: %v", err)
	}
	return client
}

func TestArchiveSourceRejectsIncompleteDownload(t *testing.T) {
	// The archive promises 142 images; the ZIP only carries 2.
	srv := newSourceServer(t, map[string]string{"1.2.3": "142"})
	defer srv.Close()

	source := NewArchiveSource(newSourceClient(t, srv))
	_, err := source.Fetch(context.Background(), "1.2.3", t.TempDir(), models.Intensity)
	if err == nil {
		t.Fatal("Expected an error for an incomplete download")
	}
	if !strings.Contains(err.Error(), "142") {
		t.Errorf("Error does not state the expected image count: %v", err)
	}
}

func TestArchiveSourceAcceptsMatchingCount(t *testing.T) {
	// With the count matching, Fetch proceeds to DICOM parsing and fails
	// there instead, on the fake file bytes.
	srv := newSourceServer(t, map[string]string{"1.2.3": "2"})
	defer srv.Close()

	source := NewArchiveSource(newSourceClient(t, srv))
	_, err := source.Fetch(context.Background(), "1.2.3", t.TempDir(), models.Intensity)
	if err == nil {
		t.Fatal("Expected a parse error on fake DICOM bytes")
	}
	if strings.Contains(err.Error(), "archive reports") {
		t.Errorf("Completeness check fired on a matching count: %v", err)
	}
}
