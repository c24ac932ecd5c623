package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/harmonyd/internal/codegen"
)

func writeUnit(t *testing.T, outDir string, key codegen.Key, files map[string]string) {
	t.Helper()
	dir := filepath.Join(outDir, key.Slug())
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func TestNewSchemes(t *testing.T) {
	t.Parallel()

	if s, err := New("", Options{}); err != nil || s == nil {
		t.Fatalf("empty transport: %v %v", s, err)
	}
	if _, ok := mustNew(t, "none").(Noop); !ok {
		t.Fatal("none should resolve to Noop")
	}
	if _, err := New("ftp://host/x", Options{}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := New("script:///does/not/exist.sh", Options{}); err == nil {
		t.Fatal("expected error for missing script")
	}
	if _, err := New("s3://host", Options{OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, err := New("aws://bucket/x", Options{OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing aws region")
	}
	if _, err := New("azure://acct", Options{OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing azure container")
	}
}

func mustNew(t *testing.T, raw string) codegen.Shipper {
	t.Helper()
	s, err := New(raw, Options{})
	if err != nil {
		t.Fatalf("new %q: %v", raw, err)
	}
	return s
}

func TestScriptShip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	record := filepath.Join(dir, "record")
	script := filepath.Join(dir, "ship.sh")
	body := "#!/bin/sh\necho \"$@\" > " + record + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	s, err := New("script://"+script, Options{DestHost: "exec", DestPath: "/opt/code", OutputDir: "/tmp/out"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Ship(context.Background(), []codegen.Key{"1 2", "3"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "exec /opt/code /tmp/out 1_2 3" {
		t.Fatalf("unexpected arguments %q", got)
	}

	failing := filepath.Join(dir, "fail.sh")
	_ = os.WriteFile(failing, []byte("#!/bin/sh\necho denied >&2\nexit 2\n"), 0o755)
	f, _ := New("script://"+failing, Options{})
	if err := f.Ship(context.Background(), []codegen.Key{"1"}); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected failure with output, got %v", err)
	}
}

// fakeS3 serves an in-memory bucket over HTTP.
func fakeS3(t *testing.T, bucket string) (endpoint string, creds *credentials.Credentials) {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return strings.TrimPrefix(server.URL, "http://"), credentials.NewStaticV4("test", "test", "")
}

func s3Reader(t *testing.T, endpoint string, creds *credentials.Credentials) *minio.Client {
	t.Helper()
	client, err := minio.New(endpoint, &minio.Options{Creds: creds, Region: "us-east-1", BucketLookup: minio.BucketLookupPath})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func listObjects(t *testing.T, client *minio.Client, bucket, prefix string) []string {
	t.Helper()
	var got []string
	for obj := range client.ListObjects(context.Background(), bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			t.Fatalf("list: %v", obj.Err)
		}
		got = append(got, obj.Key)
	}
	sort.Strings(got)
	return got
}

func twoUnits(t *testing.T) string {
	t.Helper()
	outDir := t.TempDir()
	writeUnit(t, outDir, "1 2", map[string]string{"kernel.c": "int main;", "obj/kernel.o": "\x7fELF"})
	writeUnit(t, outDir, "3", map[string]string{"kernel.c": "int x;"})
	return outDir
}

func TestS3ShipUploadsUnitFiles(t *testing.T) {
	t.Parallel()

	const bucket = "harmonyd-test"
	endpoint, creds := fakeS3(t, bucket)
	s, err := New("s3://"+endpoint+"/"+bucket+"/builds?insecure=1&region=us-east-1", Options{OutputDir: twoUnits(t), Credentials: creds})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Ship(context.Background(), []codegen.Key{"1 2", "3", "4"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	got := listObjects(t, s3Reader(t, endpoint, creds), bucket, "builds/")
	want := []string{"builds/1_2/kernel.c", "builds/1_2/obj/kernel.o", "builds/3/kernel.c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("uploaded %v want %v", got, want)
	}
}

func staticAWS() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test", Source: "test"}, nil
	})
}

func TestAWSShipUploadsUnitFiles(t *testing.T) {
	t.Parallel()

	const bucket = "harmonyd-aws"
	endpoint, creds := fakeS3(t, bucket)
	raw := "aws://" + bucket + "/out?region=us-east-1&path_style=1&insecure=1&endpoint=" + url.QueryEscape("http://"+endpoint)
	s, err := New(raw, Options{OutputDir: twoUnits(t), AWSCredentials: staticAWS()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Ship(context.Background(), []codegen.Key{"1 2", "3"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	got := listObjects(t, s3Reader(t, endpoint, creds), bucket, "out/")
	want := []string{"out/1_2/kernel.c", "out/1_2/obj/kernel.o", "out/3/kernel.c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("uploaded %v want %v", got, want)
	}
}

func TestAWSShipReportsServiceErrorCode(t *testing.T) {
	t.Parallel()

	endpoint, _ := fakeS3(t, "present")
	raw := "aws://absent?region=us-east-1&path_style=1&endpoint=" + url.QueryEscape("http://"+endpoint)
	s, err := New(raw, Options{OutputDir: twoUnits(t), AWSCredentials: staticAWS()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Ship(context.Background(), []codegen.Key{"3"})
	if err == nil || !strings.Contains(err.Error(), "NoSuchBucket") {
		t.Fatalf("expected NoSuchBucket, got %v", err)
	}
}

// blobRecorder answers Azure blob PUTs and remembers what arrived.
type blobRecorder struct {
	mu         sync.Mutex
	containers []string
	blobs      map[string]string
	queries    []string
}

func (b *blobRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.queries = append(b.queries, r.URL.RawQuery)
	if r.URL.Query().Get("restype") == "container" {
		b.containers = append(b.containers, r.URL.Path)
	} else {
		b.blobs[r.URL.Path] = string(body)
	}
	b.mu.Unlock()
	w.Header().Set("ETag", `"0x8DC0FFEE"`)
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("x-ms-request-id", "harmonyd-test")
	w.Header().Set("x-ms-version", "2025-01-05")
	w.WriteHeader(http.StatusCreated)
}

func TestAzureShipUploadsUnitFiles(t *testing.T) {
	t.Parallel()

	rec := &blobRecorder{blobs: make(map[string]string)}
	server := httptest.NewServer(rec)
	defer server.Close()
	raw := "azure://devacct/artifacts/builds?endpoint=" + url.QueryEscape(server.URL+"/devacct") + "&sas=" + url.QueryEscape("sv=2024-01-01&sig=abc")
	s, err := New(raw, Options{OutputDir: twoUnits(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for range 2 {
		if err := s.Ship(context.Background(), []codegen.Key{"1 2", "3"}); err != nil {
			t.Fatalf("ship: %v", err)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.containers) != 1 || rec.containers[0] != "/devacct/artifacts" {
		t.Fatalf("expected one container creation, got %v", rec.containers)
	}
	if got := rec.blobs["/devacct/artifacts/builds/1_2/kernel.c"]; got != "int main;" {
		t.Fatalf("unexpected blob body %q (blobs %v)", got, rec.blobs)
	}
	if len(rec.blobs) != 3 {
		t.Fatalf("expected 3 blobs, got %v", rec.blobs)
	}
	for _, q := range rec.queries {
		if !strings.Contains(q, "sig=abc") {
			t.Fatalf("request without sas token: %q", q)
		}
	}
}

func TestSealedArtifactsRoundTrip(t *testing.T) {
	t.Parallel()

	bundle, err := GenerateKeyBundle()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "artifacts.pem")
	if err := os.WriteFile(keyPath, bundle, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	sealer, err := LoadSealer(keyPath)
	if err != nil {
		t.Fatalf("load sealer: %v", err)
	}

	const bucket = "sealed"
	endpoint, creds := fakeS3(t, bucket)
	s, err := New("s3://"+endpoint+"/"+bucket+"?insecure=1&region=us-east-1", Options{OutputDir: twoUnits(t), Credentials: creds, Sealer: sealer})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Ship(context.Background(), []codegen.Key{"3"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	reader := s3Reader(t, endpoint, creds)
	if got := listObjects(t, reader, bucket, ""); len(got) != 1 || got[0] != "3/kernel.c"+SealedSuffix {
		t.Fatalf("unexpected sealed objects %v", got)
	}
	obj, err := reader.GetObject(context.Background(), bucket, "3/kernel.c"+SealedSuffix, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Close()
	sealed, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(sealed), "int x;") {
		t.Fatal("sealed object carries plaintext")
	}
	// A second load of the same bundle must open what the first sealed.
	again, err := NewSealer(bundle)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	rc, err := again.Open(strings.NewReader(string(sealed)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	plain, err := io.ReadAll(rc)
	if err != nil || string(plain) != "int x;" {
		t.Fatalf("plaintext %q err %v", plain, err)
	}
}

func TestSealerRejectsForeignBundle(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer([]byte("not a key bundle")); err == nil {
		t.Fatal("expected error for a bundle without keys")
	}
	if _, err := LoadSealer(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("expected error for a missing bundle")
	}
}
