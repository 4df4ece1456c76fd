package tcia

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// immediateRetry retries without waiting so tests stay fast.
func immediateRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return 0 },
	}
}

// newArchiveServer fakes the NBIA endpoints the client uses. getImage and
// getSeriesMetaData behavior is controlled per series via handler maps.
func newArchiveServer(t *testing.T, handlers, metaHandlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") == "password" &&
			r.URL.Query().Get("username") == "baduser" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok-1","refresh_token":"ref-1","expires_in":7200}`)
	})
	dispatch := func(handlers map[string]http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				http.Error(w, "no token", http.StatusUnauthorized)
				return
			}
			uid := r.URL.Query().Get("SeriesInstanceUID")
			h, ok := handlers[uid]
			if !ok {
				http.NotFound(w, r)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/services/getImage", dispatch(handlers))
	mux.HandleFunc("/services/getSeriesMetaData", dispatch(metaHandlers))
	return httptest.NewServer(mux)
}

func newTestClient(srv *httptest.Server, retry RetryPolicy) *Client {
	return NewClient(Options{
		APIURL:   srv.URL + "/services",
		LoginURL: srv.URL + "/oauth/token",
		Retry:    retry,
	})
}

// seriesZip builds an in-memory ZIP with the given file names.
func seriesZip(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to create zip entry: %v", err)
		}
		if _, err := f.Write([]byte("dicom-bytes-" + name)); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestLogin(t *testing.T) {
	srv := newArchiveServer(t, nil, nil)
	defer srv.Close()

	t.Run("Success", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		if err := client.Login(context.Background(), "user", "pass"); err != nil {
			t.Fatalf("Login failed: %v", err)
		}
	})

	t.Run("BadCredentials", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		err := client.Login(context.Background(), "baduser", "pass")
		var ae *AuthError
		if !errors.As(err, &ae) {
			t.Fatalf("Expected AuthError, got %v", err)
		}
	})

	t.Run("NotLoggedIn", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		_, err := client.DownloadSeries(context.Background(), "1.2.3", t.TempDir())
		var ae *AuthError
		if !errors.As(err, &ae) {
			t.Fatalf("Expected AuthError before login, got %v", err)
		}
	})
}

func TestDownloadSeries(t *testing.T) {
	zipBody := seriesZip(t, "nested/dir/1-001.dcm", "1-002.dcm")
	var flaky atomic.Int32

	srv := newArchiveServer(t, map[string]http.HandlerFunc{
		"1.2.3.ok": func(w http.ResponseWriter, r *http.Request) {
			w.Write(zipBody)
		},
		"1.2.3.flaky": func(w http.ResponseWriter, r *http.Request) {
			if flaky.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			w.Write(zipBody)
		},
		"1.2.3.down": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
		},
		"1.2.3.restricted": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "license required", http.StatusForbidden)
		},
	}, nil)
	defer srv.Close()

	login := func(t *testing.T, client *Client) {
		t.Helper()
		if err := client.GuestLogin(context.Background()); err != nil {
			t.Fatalf("GuestLogin failed: %v", err)
		}
	}

	t.Run("ExtractsFlattened", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		login(t, client)
		dir := t.TempDir()
		files, err := client.DownloadSeries(context.Background(), "1.2.3.ok", dir)
		if err != nil {
			t.Fatalf("DownloadSeries failed: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("Expected 2 extracted files, got %d", len(files))
		}
		for _, f := range files {
			if filepath.Dir(f) != dir {
				t.Errorf("File %s was not flattened into %s", f, dir)
			}
			if _, err := os.Stat(f); err != nil {
				t.Errorf("Extracted file missing: %v", err)
			}
		}
		if _, err := os.Stat(filepath.Join(dir, "series.zip")); !os.IsNotExist(err) {
			t.Error("Temporary series.zip was not removed")
		}
	})

	t.Run("RetriesTransient", func(t *testing.T) {
		flaky.Store(0)
		client := newTestClient(srv, immediateRetry(3))
		login(t, client)
		files, err := client.DownloadSeries(context.Background(), "1.2.3.flaky", t.TempDir())
		if err != nil {
			t.Fatalf("Expected success after retry, got %v", err)
		}
		if len(files) != 2 {
			t.Errorf("Expected 2 files after retry, got %d", len(files))
		}
		if got := flaky.Load(); got != 2 {
			t.Errorf("Expected 2 attempts, server saw %d", got)
		}
	})

	t.Run("GivesUpAfterMaxAttempts", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(2))
		login(t, client)
		_, err := client.DownloadSeries(context.Background(), "1.2.3.down", t.TempDir())
		if !IsTransient(err) {
			t.Fatalf("Expected TransientError after exhausted retries, got %v", err)
		}
	})

	t.Run("Restricted", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		login(t, client)
		_, err := client.DownloadSeries(context.Background(), "1.2.3.restricted", t.TempDir())
		var re *RestrictedError
		if !errors.As(err, &re) {
			t.Fatalf("Expected RestrictedError, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(1))
		login(t, client)
		_, err := client.DownloadSeries(context.Background(), "1.2.3.unknown", t.TempDir())
		var nfe *NotFoundError
		if !errors.As(err, &nfe) {
			t.Fatalf("Expected NotFoundError, got %v", err)
		}
	})

	t.Run("Cancellation", func(t *testing.T) {
		client := newTestClient(srv, immediateRetry(3))
		login(t, client)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.DownloadSeries(ctx, "1.2.3.ok", t.TempDir())
		if err == nil {
			t.Fatal("Expected an error from a canceled context")
		}
	})
}

func TestSeriesMetadata(t *testing.T) {
	srv := newArchiveServer(t, nil, map[string]http.HandlerFunc{
		"1.2.3.ok": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[{"Series UID":"1.2.3.ok","Collection":"SAROS",`+
				`"Modality":"CT","Number of Images":"142","File Size":"74858790"}]`)
		},
		"1.2.3.empty": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		},
		"1.2.3.restricted": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "license required", http.StatusForbidden)
		},
	})
	defer srv.Close()

	client := newTestClient(srv, immediateRetry(1))
	if err := client.GuestLogin(context.Background()); err != nil {
		t.Fatalf("GuestLogin failed: %v", err)
	}

	t.Run("Success", func(t *testing.T) {
		metas, err := client.SeriesMetadata(context.Background(), "1.2.3.ok")
		if err != nil {
			t.Fatalf("SeriesMetadata failed: %v", err)
		}
		if len(metas) != 1 {
			t.Fatalf("Expected 1 entry, got %d", len(metas))
		}
		meta := metas[0]
		if meta.SeriesUID != "1.2.3.ok" || meta.Modality != "CT" || meta.NumberOfImages != "142" {
			t.Errorf("Metadata fields not parsed: %+v", meta)
		}
	})

	t.Run("EmptyIsNotFound", func(t *testing.T) {
		_, err := client.SeriesMetadata(context.Background(), "1.2.3.empty")
		var nfe *NotFoundError
		if !errors.As(err, &nfe) {
			t.Fatalf("Expected NotFoundError for empty metadata, got %v", err)
		}
	})

	t.Run("Restricted", func(t *testing.T) {
		_, err := client.SeriesMetadata(context.Background(), "1.2.3.restricted")
		var re *RestrictedError
		if !errors.As(err, &re) {
			t.Fatalf("Expected RestrictedError, got %v", err)
		}
	})
}

func TestRetryPolicy(t *testing.T) {
	t.Run("NonTransientNotRetried", func(t *testing.T) {
		calls := 0
		err := immediateRetry(5).do(context.Background(), func() error {
			calls++
			return &NotFoundError{SeriesUID: "1.2.3"}
		})
		if calls != 1 {
			t.Errorf("Non-transient error was retried %d times", calls-1)
		}
		var nfe *NotFoundError
		if !errors.As(err, &nfe) {
			t.Errorf("Error type was not preserved: %v", err)
		}
	})

	t.Run("BackoffSchedule", func(t *testing.T) {
		p := DefaultRetryPolicy(4)
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
		for i, expected := range want {
			if got := p.Backoff(i + 1); got != expected {
				t.Errorf("Backoff(%d) = %v, want %v", i+1, got, expected)
			}
		}
	})
}
