package fetch

import (
	"bytes"
	"context"
	"errors"
	"github.com/mattetti/filebuffer"
	"io/ioutil"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
)

func tempSource(t *testing.T, content string) string {
	t.Helper()
	file, err := ioutil.TempFile("", "stowage-test-*")
	if err != nil {
		t.Fatalf("setting up test: %s", err)
	}
	t.Cleanup(func() { os.Remove(file.Name()) })
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("setting up test: %s", err)
	}
	file.Close()
	return file.Name()
}

func TestOneLocalFile(t *testing.T) {
	source := tempSource(t, "local-content")
	err := One(context.Background(), source, func(request string, path string) error {
		if request != source {
			t.Fatalf("expected request %s, got %s", source, request)
		}
		// Local files are handed over in place, not buffered.
		if path != source {
			t.Fatalf("expected path %s, got %s", source, path)
		}
		content, readErr := ioutil.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if string(content) != "local-content" {
			t.Fatalf("unexpected content %s", content)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
}

func TestOneMissingFile(t *testing.T) {
	err := One(context.Background(), "/definitely/not/here", func(string, string) error {
		t.Fatal("process should not run")
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOneCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := One(ctx, "anything", func(string, string) error {
		t.Fatal("process should not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestMany(t *testing.T) {
	requests := []string{
		tempSource(t, "zero"),
		tempSource(t, "one"),
		tempSource(t, "two"),
	}
	var mutex sync.Mutex
	var seen []int
	err := Many(context.Background(), requests, 2, func(index int, request string, path string) error {
		content, readErr := ioutil.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		expected := []string{"zero", "one", "two"}[index]
		if string(content) != expected {
			t.Fatalf("expected %s at index %d, got %s", expected, index, content)
		}
		mutex.Lock()
		seen = append(seen, index)
		mutex.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
	sort.Ints(seen)
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("expected all inputs processed, saw %v", seen)
	}
}

func TestManyStopsOnFailure(t *testing.T) {
	requests := []string{tempSource(t, "good"), "/definitely/not/here"}
	if err := Many(context.Background(), requests, 2, func(int, string, string) error {
		return nil
	}); err == nil {
		t.Fatal("expected error")
	}
}

func testSys(stdin string, get func(url string) (*http.Response, error)) *sys {
	return &sys{
		Get:      get,
		Stat:     os.Stat,
		Stdin:    ioutil.NopCloser(bytes.NewBufferString(stdin)),
		TempFile: ioutil.TempFile,
		TempDir:  os.TempDir(),
	}
}

func TestFetchStdin(t *testing.T) {
	path, deleteWhenDone, err := testSys("stdin-content", nil).fetch("-")
	if err != nil {
		t.Fatalf("did not expect error: %s", err)
	}
	if !deleteWhenDone {
		t.Fatal("expected stdin to be buffered to a temp file")
	}
	defer os.Remove(path)
	content, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("reading buffered stdin: %s", err)
	}
	if string(content) != "stdin-content" {
		t.Fatalf("unexpected content %s", content)
	}
}

func TestFetchURL(t *testing.T) {
	table := map[string]struct {
		response    *http.Response
		responseErr error
		expectedErr bool
	}{
		"success": {
			response: &http.Response{
				StatusCode: http.StatusOK,
				Body:       ioutil.NopCloser(filebuffer.New([]byte("url-content"))),
			},
		},
		"http error status": {
			response: &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       ioutil.NopCloser(filebuffer.New(nil)),
			},
			expectedErr: true,
		},
		"transport failure": {
			responseErr: errors.New("connection refused"),
			expectedErr: true,
		},
	}
	for name, test := range table {
		t.Run(name, func(t *testing.T) {
			sys := testSys("", func(url string) (*http.Response, error) {
				return test.response, test.responseErr
			})
			path, deleteWhenDone, err := sys.fetch("https://example.com/file.txt")
			if test.expectedErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, errBadRequest) {
					t.Fatalf("expected bad request error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("did not expect error: %s", err)
			}
			if !deleteWhenDone {
				t.Fatal("expected url content to be buffered to a temp file")
			}
			defer os.Remove(path)
			content, readErr := ioutil.ReadFile(path)
			if readErr != nil {
				t.Fatalf("reading buffered url: %s", readErr)
			}
			if string(content) != "url-content" {
				t.Fatalf("unexpected content %s", content)
			}
		})
	}
}
