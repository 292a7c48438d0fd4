package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/facelock/facelock/internal/domain/vision"
)

func TestClient_DetectFaces(t *testing.T) {
	t.Parallel()

	var got detectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/detect" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces":[{"box":{"x":1,"y":2,"width":30,"height":40},"score":0.9,
			"expressions":{"happy":0.8,"neutral":0.1},"descriptor":[0.5,0.25]}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	faces, err := c.DetectFaces(context.Background(),
		vision.Frame{Data: []byte{0xff, 0xd8}, ContentType: "image/jpeg"},
		vision.DetectOptions{Expressions: true})
	if err != nil {
		t.Fatalf("DetectFaces() error = %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("got %d faces", len(faces))
	}
	f := faces[0]
	if f.Box.Width != 30 || f.Expressions[vision.ExpressionHappy] != 0.8 || len(f.Descriptor) != 2 {
		t.Errorf("face = %+v", f)
	}
	if !got.Expressions || got.Descriptors || got.ContentType != "image/jpeg" || len(got.Image) != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_ExtractDescriptor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req descriptorRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if string(req.Image) == "noface" {
			_, _ = w.Write([]byte(`{"descriptor":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"descriptor":[1,2,3]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	d, err := c.ExtractDescriptor(context.Background(), []byte("face"))
	if err != nil || len(d) != 3 {
		t.Errorf("ExtractDescriptor(face) = %v, %v", d, err)
	}
	d, err = c.ExtractDescriptor(context.Background(), []byte("noface"))
	if err != nil || d != nil {
		t.Errorf("ExtractDescriptor(noface) = %v, %v", d, err)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.DetectFaces(context.Background(), vision.Frame{}, vision.DetectOptions{})
	if !errors.Is(err, ErrModel) {
		t.Errorf("DetectFaces() error = %v, want ErrModel", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrModel) {
		t.Errorf("Ping() error = %v, want ErrModel", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	if _, err := c.ExtractDescriptor(context.Background(), []byte("x")); err == nil {
		t.Error("expected error for closed server")
	}
}
