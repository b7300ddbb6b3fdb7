package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/remote"
)

const metaBody = `{
  "resource": {"id": 12, "display_name": "Trees", "cls": "vector_layer"},
  "vector_layer": {"geometry_type": "POINT", "srs": {"id": 3857}},
  "feature_layer": {
    "fields": [
      {"keyname": "Name", "display_name": "Name", "datatype": "STRING"},
      {"keyname": "height", "display_name": "Height", "datatype": "REAL"},
      {"keyname": "planted", "display_name": "Planted", "datatype": "DATE"},
      {"keyname": "seen", "display_name": "Seen", "datatype": "DATETIME"}
    ],
    "versioning": {"enabled": true}
  }
}`

const listBody = `[
  {"id": 5, "geom": "POINT(10 20)",
   "fields": {"Name": "A", "height": 3.5, "planted": {"year": 2020, "month": 4, "day": 1},
              "seen": {"year": 2024, "month": 6, "day": 2, "hour": 13, "minute": 5, "second": 9}},
   "extensions": {"attachment": [{"id": 9, "name": "b.jpg", "size": 10, "mime_type": "image/jpeg", "description": ""},
                                 {"id": 3, "name": "a.jpg", "size": 20, "mime_type": "image/jpeg", "description": "x"}]}},
  {"id": 6, "geom": "POINT(1 2)", "fields": {"Name": null, "height": null, "planted": null, "seen": null}}
]`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, ResourceID: 12, MaxRetries: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMetaAndList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resource/12", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, metaBody)
	})
	mux.HandleFunc("/api/resource/12/feature/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("geom_format") != "wkt" {
			t.Errorf("geom_format = %q, want wkt", r.URL.Query().Get("geom_format"))
		}
		io.WriteString(w, listBody)
	})
	c := newTestClient(t, mux)

	meta, err := c.Meta(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if meta.GeometryType != feature.GeometryPoint || meta.SRID != 3857 || !meta.Tracked {
		t.Errorf("meta = %+v", meta)
	}
	if len(meta.Fields) != 4 || meta.Fields[0].Name != "name" {
		t.Errorf("fields = %+v", meta.Fields)
	}

	fs, err := c.List(context.Background(), remote.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 2 {
		t.Fatalf("got %d features, want 2", len(fs))
	}

	f := fs[0]
	if f.ID != 5 || f.Geometry != (orb.Point{10, 20}) {
		t.Errorf("feature = %d %v", f.ID, f.Geometry)
	}
	if got := f.Values["name"].Str(); got != "A" {
		t.Errorf("name = %q, want A", got)
	}
	if got := f.Values["height"].Real(); got != 3.5 {
		t.Errorf("height = %v, want 3.5", got)
	}
	if !f.Values["planted"].Equal(feature.DateValue(2020, time.April, 1)) {
		t.Errorf("planted = %v", f.Values["planted"])
	}
	if !f.Values["seen"].Equal(feature.DateTimeValue(time.Date(2024, 6, 2, 13, 5, 9, 0, time.UTC))) {
		t.Errorf("seen = %v", f.Values["seen"])
	}
	if len(f.Attachments) != 2 || f.Attachments[0].ID != 3 {
		t.Errorf("attachments not sorted by id: %+v", f.Attachments)
	}
	if !fs[1].Values["name"].IsNull() {
		t.Error("expected null name")
	}
}

func TestCreateSendsMappedFields(t *testing.T) {
	var got featureBody
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resource/12", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, metaBody)
	})
	mux.HandleFunc("/api/resource/12/feature/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		io.WriteString(w, `{"id": 1001}`)
	})
	c := newTestClient(t, mux)

	id, err := c.Create(context.Background(), &feature.Feature{
		ID:       -42,
		Geometry: orb.Point{1, 2},
		Values: map[string]feature.Value{
			"name":    feature.StringValue("oak"),
			"planted": feature.DateValue(2021, time.March, 7),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1001 {
		t.Errorf("id = %d, want 1001", id)
	}
	if got.Geom != "POINT(1 2)" {
		t.Errorf("geom = %q", got.Geom)
	}
	if got.Fields["Name"] != "oak" {
		t.Errorf("Name = %v, want oak", got.Fields["Name"])
	}
	planted, ok := got.Fields["planted"].(map[string]any)
	if !ok || planted["year"] != float64(2021) || planted["month"] != float64(3) {
		t.Errorf("planted = %v", got.Fields["planted"])
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, metaBody)
	}))

	if _, err := c.Meta(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPostIsNotRetried(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resource/12", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, metaBody)
	})
	mux.HandleFunc("/api/resource/12/feature/", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.Create(context.Background(), &feature.Feature{Geometry: orb.Point{0, 0}})
	if !errors.Is(err, remote.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
	if posts.Load() != 1 {
		t.Errorf("posts = %d, want 1", posts.Load())
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, remote.ErrNotFound},
		{http.StatusUnauthorized, remote.ErrAuth},
		{http.StatusForbidden, remote.ErrAuth},
		{http.StatusBadRequest, remote.ErrProtocol},
	}
	for _, tt := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, `{"message": "nope"}`)
		}))
		err := c.Delete(context.Background(), 5)
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		if err != nil && !strings.Contains(err.Error(), "nope") {
			t.Errorf("status %d: message missing from %q", tt.status, err)
		}
	}
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"resource": `)
	}))
	_, err := c.Meta(context.Background())
	if !errors.Is(err, remote.ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

func TestUploadAndAttach(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/component/file_upload/", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if string(data) != "content" {
			t.Errorf("upload body = %q", data)
		}
		io.WriteString(w, `{"id": "tok-1", "size": 7, "mime_type": "text/plain"}`)
	})
	mux.HandleFunc("/api/resource/12/feature/1001/attachment/", func(w http.ResponseWriter, r *http.Request) {
		var body attachmentJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.FileUpload == nil || body.FileUpload.ID != "tok-1" || body.Name != "note.txt" {
			t.Errorf("attach body = %+v", body)
		}
		io.WriteString(w, `{"id": 77}`)
	})
	c := newTestClient(t, mux)

	up, err := c.Upload(context.Background(), "note.txt", strings.NewReader("content"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.Attach(context.Background(), 1001, up, feature.Attachment{Name: "note.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if id != 77 {
		t.Errorf("attachment id = %d, want 77", id)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "ftp://example.com"}); err == nil {
		t.Error("expected error for ftp url")
	}
}
