package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

func TestDetectLayoutFromBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/layout/detect" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Source") != "docagent-worker" {
			t.Errorf("missing X-Source header")
		}
		var req LayoutDetectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Format != "base64" || req.Image == "" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"success":true,"data":{"regions":[{"label":"Table","bbox":[1,2,30,40],"score":0.9}],"modelUsed":"layout-v1"}}`))
	}))
	defer server.Close()

	client := NewModelServiceClient(server.URL)
	resp, err := client.DetectLayoutFromBytes(context.Background(), []byte("png"))
	if err != nil {
		t.Fatalf("DetectLayoutFromBytes: %v", err)
	}
	if len(resp.Data.Regions) != 1 || resp.Data.Regions[0].Label != "Table" {
		t.Fatalf("unexpected regions %+v", resp.Data.Regions)
	}
	if resp.Data.Regions[0].BBox != [4]float64{1, 2, 30, 40} {
		t.Errorf("bbox = %v", resp.Data.Regions[0].BBox)
	}
}

func TestRankBoxesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusServiceUnavailable, "model loading"},
		{"unsuccessful", http.StatusOK, `{"success":false,"message":"oom"}`},
		{"bad json", http.StatusOK, `{"success":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewModelServiceClient(server.URL).RankBoxes(context.Background(), &RankRequest{Boxes: [][4]int{{0, 0, 1, 1}}})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRankBoxes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RankRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Boxes) != 2 || req.Boxes[1] != [4]int{500, 0, 1000, 100} {
			t.Errorf("unexpected boxes %v", req.Boxes)
		}
		w.Write([]byte(`{"success":true,"data":{"positions":[1,0]}}`))
	}))
	defer server.Close()

	resp, err := NewModelServiceClient(server.URL).RankBoxes(context.Background(), &RankRequest{
		Boxes: [][4]int{{0, 0, 400, 100}, {500, 0, 1000, 100}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Data.Positions) != 2 || resp.Data.Positions[0] != 1 {
		t.Errorf("positions = %v", resp.Data.Positions)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := NewModelServiceClient(server.URL).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := NewArtifactClient(server.URL + "/missing").HealthCheck(context.Background()); err == nil {
		t.Fatal("expected artifact health check failure")
	}
}

func TestUploadArtifact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse form: %v", err)
				return
			}
			if r.FormValue("source_id") != "run-1" || r.FormValue("ttl_days") != "30" {
				t.Errorf("unexpected form %v", r.MultipartForm.Value)
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				return
			}
			data, _ := io.ReadAll(f)
			if string(data) != "png-bytes" {
				t.Errorf("file = %q", data)
			}
			w.Write([]byte(`{"success":true,"artifact":{"id":"a1","download_url":"http://x/a1"}}`))
		case "/api/files/a1":
			w.Write([]byte(`{"success":true,"artifact":{"id":"a1"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewArtifactClient(server.URL)
	resp, err := client.UploadArtifact(context.Background(), &ArtifactUploadRequest{
		FileBuffer: []byte("png-bytes"),
		Filename:   "run-1-layout.png",
		MimeType:   "image/png",
		SourceID:   "run-1",
	})
	if err != nil {
		t.Fatalf("UploadArtifact: %v", err)
	}
	if resp.Artifact.DownloadURL != "http://x/a1" {
		t.Errorf("download url = %q", resp.Artifact.DownloadURL)
	}

	got, err := client.GetArtifactByID(context.Background(), "a1")
	if err != nil || got.Artifact.ID != "a1" {
		t.Fatalf("GetArtifactByID = %+v, %v", got, err)
	}
	if _, err := client.GetArtifactByID(context.Background(), "zzz"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestUploadArtifactValidation(t *testing.T) {
	client := NewArtifactClient("http://unused")
	if _, err := client.UploadArtifact(context.Background(), &ArtifactUploadRequest{Filename: "a.png", SourceID: "r"}); err == nil {
		t.Error("expected empty buffer error")
	}
	if _, err := client.UploadArtifact(context.Background(), &ArtifactUploadRequest{FileBuffer: []byte{1}, Filename: "a.png"}); err == nil {
		t.Error("expected missing source id error")
	}
}

type fakeModel struct {
	messages []llms.MessageContent
	reply    string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.reply, nil
}

func TestVisionClientSendsImageAndPrompt(t *testing.T) {
	model := &fakeModel{reply: "  {\"chart_type\":\"bar\"}\n"}
	client := NewVisionClient(model, "vlm", 512)

	out, err := client.AnalyzeImage(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "describe")
	if err != nil {
		t.Fatalf("AnalyzeImage: %v", err)
	}
	if out != `{"chart_type":"bar"}` {
		t.Errorf("out = %q", out)
	}
	if len(model.messages) != 1 || len(model.messages[0].Parts) != 2 {
		t.Fatalf("unexpected messages %+v", model.messages)
	}
	img, ok := model.messages[0].Parts[0].(llms.ImageURLContent)
	if !ok || !strings.HasPrefix(img.URL, "data:image/png;base64,") {
		t.Errorf("first part should be a PNG data URL, got %#v", model.messages[0].Parts[0])
	}
	if txt, ok := model.messages[0].Parts[1].(llms.TextContent); !ok || txt.Text != "describe" {
		t.Errorf("second part should be the prompt, got %#v", model.messages[0].Parts[1])
	}

	if _, err := client.AnalyzeImage(context.Background(), nil, "x"); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestNewOpenAIModelValidation(t *testing.T) {
	if _, err := NewOpenAIModel(ModelConfig{Model: "m"}); err == nil {
		t.Error("expected missing key error")
	}
	if _, err := NewOpenAIModel(ModelConfig{APIKey: "k"}); err == nil {
		t.Error("expected missing model error")
	}
}
