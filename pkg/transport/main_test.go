package transport

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/spf13/afero"
	"github.com/stowage-io/stowage/pkg/wire"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func jsonError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wire.Envelope{Status: wire.StatusError, Error: message})
}

func jsonSuccess(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func testClient(url string) *Client {
	client := New(url)
	client.Retries = 2
	client.Backoff = time.Millisecond
	client.FS = afero.NewMemMapFs()
	return client
}

func TestDoSuccess(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.URL.Path != "/getfileinfo" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.FormValue(wire.FieldPath) != "thing/file.txt" {
			t.Fatalf("unexpected path field %s", r.FormValue(wire.FieldPath))
		}
		jsonSuccess(w, wire.Info{ServerPath: "/dest/thing/file.txt", Size: 11, MD5Sum: "abc"})
	}))
	defer server.Close()
	fields := url.Values{}
	fields.Set(wire.FieldPath, "thing/file.txt")
	payload, err := testClient(server.URL).Do(context.Background(), Request{
		Endpoint: wire.EndpointGetFileInfo,
		Fields:   fields,
	})
	if err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt, saw %d", attempts)
	}
	var info wire.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		t.Fatalf("decoding payload: %s", err)
	}
	if info.Size != 11 {
		t.Fatalf("expected size 11, got %d", info.Size)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	table := map[string]struct {
		respond func(w http.ResponseWriter, attempt int)
	}{
		"http error status": {
			respond: func(w http.ResponseWriter, attempt int) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		"wrong content type": {
			respond: func(w http.ResponseWriter, attempt int) {
				w.Header().Set("Content-Type", "text/plain")
				w.Write([]byte("not json"))
			},
		},
		"malformed json": {
			respond: func(w http.ResponseWriter, attempt int) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte("{truncated"))
			},
		},
		"unclassified error": {
			respond: func(w http.ResponseWriter, attempt int) {
				jsonError(w, "Exception in init: flaky disk")
			},
		},
	}
	for name, test := range table {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts++
				test.respond(w, attempts)
			}))
			defer server.Close()
			_, err := testClient(server.URL).Do(context.Background(), Request{Endpoint: wire.EndpointUpload})
			var repeated *RepeatedFailure
			if !errors.As(err, &repeated) {
				t.Fatalf("expected RepeatedFailure, got %v", err)
			}
			if attempts != 3 {
				t.Fatalf("expected 3 attempts, saw %d", attempts)
			}
		})
	}
}

func TestDoNegativeRetriesMeansSingleAttempt(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	client := testClient(server.URL)
	client.Retries = -1
	_, err := client.Do(context.Background(), Request{Endpoint: wire.EndpointUpload})
	var repeated *RepeatedFailure
	if !errors.As(err, &repeated) {
		t.Fatalf("expected RepeatedFailure, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt, saw %d", attempts)
	}
}

func TestDoRecoversAfterFailure(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		jsonSuccess(w, map[string]string{"status": "ok"})
	}))
	defer server.Close()
	if _, err := testClient(server.URL).Do(context.Background(), Request{Endpoint: wire.EndpointDelete}); err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, saw %d", attempts)
	}
}

func TestDoSuppressedErrorNeverRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		jsonError(w, "File already exists: /dest/thing/file.txt")
	}))
	defer server.Close()
	_, err := testClient(server.URL).Do(context.Background(), Request{
		Endpoint:       wire.EndpointUpload,
		SuppressPrefix: wire.PrefixAlreadyExists,
	})
	if !errors.Is(err, ErrSuppressed) {
		t.Fatalf("expected ErrSuppressed, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt, saw %d", attempts)
	}
}

func TestDoAuthErrorNeverRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		jsonError(w, "Invalid token for thing/file.txt")
	}))
	defer server.Close()
	_, err := testClient(server.URL).Do(context.Background(), Request{Endpoint: wire.EndpointUpload})
	var auth *AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt, saw %d", attempts)
	}
}

func TestDoMultipartUpload(t *testing.T) {
	content := []byte("hello world")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parsing multipart body: %s", err)
		}
		if r.FormValue(wire.FieldMD5Sum) != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
			t.Fatalf("unexpected md5sum field %s", r.FormValue(wire.FieldMD5Sum))
		}
		payload, header, err := r.FormFile(wire.FieldFile)
		if err != nil {
			t.Fatalf("reading file payload: %s", err)
		}
		defer payload.Close()
		if header.Filename != "file.txt" {
			t.Fatalf("unexpected payload filename %s", header.Filename)
		}
		received, _ := ioutil.ReadAll(payload)
		if string(received) != string(content) {
			t.Fatalf("expected payload %s, got %s", content, received)
		}
		jsonSuccess(w, wire.UploadResult{Status: "File uploaded", MD5Sum: "5eb63bbbe01eeed093cb22bb8f5acdc3"})
	}))
	defer server.Close()
	client := testClient(server.URL)
	if err := afero.WriteFile(client.FS, "/local/file.txt", content, 0644); err != nil {
		t.Fatalf("setting up test: %s", err)
	}
	fields := url.Values{}
	fields.Set(wire.FieldMD5Sum, "5eb63bbbe01eeed093cb22bb8f5acdc3")
	if _, err := client.Do(context.Background(), Request{
		Endpoint:   wire.EndpointUpload,
		Fields:     fields,
		UploadPath: "/local/file.txt",
	}); err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
}

func TestDownload(t *testing.T) {
	content := []byte("0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(content)
	}))
	defer server.Close()
	client := testClient(server.URL)
	if err := client.Download(context.Background(), Request{
		Endpoint:   wire.EndpointDownload,
		DownloadTo: "/local/nested/file.txt",
	}); err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
	written, err := afero.ReadFile(client.FS, "/local/nested/file.txt")
	if err != nil {
		t.Fatalf("reading downloaded file: %s", err)
	}
	if string(written) != string(content) {
		t.Fatalf("expected %s, got %s", content, written)
	}
}

func TestDownloadErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, "No such file /dest/thing/file.txt")
	}))
	defer server.Close()
	client := testClient(server.URL)
	err := client.Download(context.Background(), Request{
		Endpoint:   wire.EndpointDownload,
		DownloadTo: "/local/file.txt",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if exists, _ := afero.Exists(client.FS, "/local/file.txt"); exists {
		t.Fatal("expected no file to be written")
	}
}

func TestDownloadRequiresDestination(t *testing.T) {
	if err := New("http://localhost").Download(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
}
