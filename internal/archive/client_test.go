package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestNewImageClientDefaults(t *testing.T) {
	c := NewImageClient("", "tok")
	if c.BaseURL != DefaultImageArchiveURL {
		t.Errorf("BaseURL = %q, want %q", c.BaseURL, DefaultImageArchiveURL)
	}
	if c.HTTPClient == nil {
		t.Error("HTTPClient is nil")
	}

	c = NewImageClient("http://example.test/", "tok")
	if c.BaseURL != "http://example.test" {
		t.Errorf("trailing slash not trimmed: %q", c.BaseURL)
	}

	custom := &http.Client{}
	if got := c.WithHTTPClient(custom); got.HTTPClient != custom || got.Token != "tok" {
		t.Error("WithHTTPClient did not preserve settings")
	}
}

func TestCreateCollection(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/collections/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1234, "url": "http://vault/collections/1234"}`))
	}))
	defer srv.Close()

	res := NewImageClient(srv.URL, "secret").CreateCollection(context.Background(), CollectionRequest{
		Name:        "analysis : 2024-01-01 00:00:00",
		Description: "desc",
	})
	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, message %q", res.Outcome, res.Message)
	}
	if res.ID != "1234" {
		t.Errorf("ID = %q, want 1234", res.ID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["name"] != "analysis : 2024-01-01 00:00:00" || gotBody["description"] != "desc" {
		t.Errorf("body = %v", gotBody)
	}
	if _, ok := gotBody["full_dataset_url"]; ok {
		t.Error("empty source url should be omitted")
	}
}

func TestCreateCollectionOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Outcome
	}{
		{"collision", http.StatusBadRequest, `{"name":["A collection with this name already exists."]}`, OutcomeCollision},
		{"unique", http.StatusBadRequest, `{"name":["name must be unique"]}`, OutcomeCollision},
		{"bad request", http.StatusBadRequest, `{"description":["too long"]}`, OutcomeTransport},
		{"server error", http.StatusInternalServerError, `boom`, OutcomeTransport},
		{"missing id", http.StatusCreated, `{}`, OutcomeTransport},
		{"bad json", http.StatusCreated, `not json`, OutcomeTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewImageClient(srv.URL, "").CreateCollection(context.Background(), CollectionRequest{Name: "x"})
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v (%s)", res.Outcome, tt.want, res.Message)
			}
		})
	}
}

func TestCreateCollectionUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewImageClient(url, "").CreateCollection(context.Background(), CollectionRequest{Name: "x"})
	if res.Outcome != OutcomeTransport {
		t.Fatalf("Outcome = %v, want transport", res.Outcome)
	}
	if !errors.Is(res.Err(), ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", res.Err())
	}
}

func TestAddImageCompressesNifti(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "z_corr-FDR_method-indep.nii")
	raw := []byte("not really a nifti but good enough")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	var gotFilename, gotMapType, gotName string
	var gotContent []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/77/images/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		gotName = r.FormValue("name")
		gotMapType = r.FormValue("map_type")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Errorf("gzip reader: %v", err)
			return
		}
		gotContent, _ = io.ReadAll(gz)
		_, _ = w.Write([]byte(`{"id": 901, "url": "http://vault/images/901", "map_type": "Z map"}`))
	}))
	defer srv.Close()

	res := NewImageClient(srv.URL, "").AddImage(context.Background(), ImageRequest{
		CollectionID: "77",
		Path:         path,
		Name:         "z_corr-FDR_method-indep.nii",
		MapType:      "Z",
		Modality:     "fMRI-BOLD",
		IsValid:      true,
	})
	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v (%s)", res.Outcome, res.Message)
	}
	if res.ID != "901" || res.MapType != "Z map" || res.URL != "http://vault/images/901" {
		t.Errorf("result = %+v", res)
	}
	if gotFilename != "z_corr-FDR_method-indep.nii.gz" {
		t.Errorf("uploaded filename = %q", gotFilename)
	}
	if gotName != "z_corr-FDR_method-indep.nii" || gotMapType != "Z" {
		t.Errorf("fields name=%q map_type=%q", gotName, gotMapType)
	}
	if !bytes.Equal(gotContent, raw) {
		t.Errorf("decompressed content mismatch")
	}
}

func TestAddImageMissingFile(t *testing.T) {
	res := NewImageClient("http://127.0.0.1:1", "").AddImage(context.Background(), ImageRequest{
		CollectionID: "1",
		Path:         filepath.Join(t.TempDir(), "missing.nii.gz"),
	})
	if res.Outcome != OutcomeTransport {
		t.Errorf("Outcome = %v, want transport", res.Outcome)
	}
}

func TestAddImageNonNumericID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "z.nii.gz")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "abc"}`))
	}))
	defer srv.Close()

	res := NewImageClient(srv.URL, "").AddImage(context.Background(), ImageRequest{CollectionID: "1", Path: path})
	if res.Outcome != OutcomeTransport {
		t.Errorf("Outcome = %v, want transport", res.Outcome)
	}
}

func TestStudyClientCreateAndUpdate(t *testing.T) {
	var methods, paths []string
	var payloads []StudyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		paths = append(paths, r.URL.Path)
		var p StudyPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		payloads = append(payloads, p)
		_, _ = w.Write([]byte(`{"id": "3MXg8aZ7"}`))
	}))
	defer srv.Close()

	c := NewStudyClient(srv.URL, "tok")
	payload := StudyPayload{
		Name:   "meta",
		Points: []Point{{Coordinates: [3]float64{1, 2, 3}, Statistic: 4.5}},
	}
	res := c.Create(context.Background(), payload)
	if res.Outcome != OutcomeOK || res.ID != "3MXg8aZ7" {
		t.Fatalf("Create = %+v", res)
	}
	res = c.Update(context.Background(), res.ID, payload)
	if res.Outcome != OutcomeOK {
		t.Fatalf("Update = %+v", res)
	}

	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodPut {
		t.Errorf("methods = %v", methods)
	}
	if paths[0] != "/api/analyses/" || paths[1] != "/api/analyses/3MXg8aZ7" {
		t.Errorf("paths = %v", paths)
	}
	if len(payloads[0].Points) != 1 || payloads[0].Points[0].Coordinates != [3]float64{1, 2, 3} {
		t.Errorf("payload = %+v", payloads[0])
	}
}

func TestStudyClientRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	}))
	defer srv.Close()

	res := NewStudyClient(srv.URL, "").Update(context.Background(), "gone", StudyPayload{Name: "x"})
	if res.Outcome != OutcomeTransport {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	if res.Message == "" {
		t.Error("expected failure message")
	}
}

func TestResultErr(t *testing.T) {
	if OK("1").Err() != nil {
		t.Error("OK result should have nil error")
	}
	if !errors.Is(Collision("taken").Err(), ErrCollision) {
		t.Error("collision should wrap ErrCollision")
	}
	if !errors.Is(Transportf("status %d", 500).Err(), ErrTransport) {
		t.Error("transport should wrap ErrTransport")
	}
	if OutcomeCollision.String() != "collision" || OutcomeOK.String() != "ok" || OutcomeTransport.String() != "transport" {
		t.Error("unexpected Outcome strings")
	}
}
