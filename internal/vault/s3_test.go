package vault

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"capsule-go/internal/config"
)

type s3Object struct {
	data []byte
	meta http.Header
}

// fakeS3 serves the path-style subset of the S3 API the vault uses.
type fakeS3 struct {
	bucket  string
	mu      sync.Mutex
	objects map[string]s3Object
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		data, err := readS3Body(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		meta := http.Header{}
		for k, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				meta[k] = v
			}
		}
		f.objects[key] = s3Object{data: data, meta: meta}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		for k, v := range obj.meta {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// readS3Body returns the payload, decoding aws-chunked framing when the
// client sent a trailing checksum.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return io.ReadAll(r.Body)
	}
	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func newTestS3Vault(t *testing.T) (*S3Vault, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "capsule", objects: make(map[string]s3Object)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	v, err := NewS3Vault(context.Background(), config.VaultConfig{
		Type:              "s3",
		Name:              "offsite",
		S3Bucket:          "capsule",
		S3Prefix:          "mirror/",
		S3Region:          "us-east-1",
		S3Endpoint:        srv.URL,
		S3PathStyle:       true,
		S3AccessKeyID:     "test",
		S3SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Vault() error = %v", err)
	}
	return v, fake
}

func TestS3Vault(t *testing.T) {
	v, _ := newTestS3Vault(t)
	testVault(t, v)
}

func TestS3Vault_KeysAndVersion(t *testing.T) {
	v, fake := newTestS3Vault(t)

	if err := v.PutContent("abcdef", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if err := v.PutMetadata("laptop", "fingerprints", strings.NewReader("{}"), 2, 12); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	fake.mu.Lock()
	_, hasContent := fake.objects["mirror/content/abcdef"]
	meta, hasMeta := fake.objects["mirror/metadata/laptop/fingerprints"]
	fake.mu.Unlock()
	if !hasContent || !hasMeta {
		t.Fatalf("objects = %v", fake.objects)
	}
	if got := meta.meta.Get("X-Amz-Meta-Capsule-Version"); got != "12" {
		t.Errorf("version metadata = %q, want 12", got)
	}
}

func TestS3Vault_ValidateSetupWrongBucket(t *testing.T) {
	v, _ := newTestS3Vault(t)
	v.bucket = "other"
	if err := v.ValidateSetup(); err == nil {
		t.Error("ValidateSetup() expected error for unknown bucket")
	}
}
