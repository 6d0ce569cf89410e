package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weekijie/sturgeon/internal/service"
)

type fakeImageTriageClient struct {
	result TriageResult
	err    error
}

func (f *fakeImageTriageClient) Classify(ctx context.Context, imageBytes []byte, mime string) (TriageResult, error) {
	return f.result, f.err
}

func newImageUploadRequest(t *testing.T, path, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestAnalyzeImage_OK(t *testing.T) {
	client := &fakeSpecialistClient{responses: []string{"The chest radiograph shows a right lower lobe consolidation consistent with pneumonia."}}
	invoker := service.NewSpecialistInvoker(client)
	triage := &fakeImageTriageClient{result: TriageResult{Modality: "chest-xray", Confidence: 0.92, Labels: []string{"consolidation"}}}
	gate := service.NewConcurrencyGate(4, 8)
	metrics := newTestMetricsForHandler(t)

	req := newImageUploadRequest(t, "/analyze-image", "file", "cxr.png", []byte("fake-png-bytes"))
	rec := httptest.NewRecorder()

	AnalyzeImage(invoker, triage, gate, metrics)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp AnalyzeImageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Modality != "chest-xray" {
		t.Errorf("modality = %q, want chest-xray", resp.Modality)
	}
	if resp.Triage == nil || resp.Triage.Confidence != 0.92 {
		t.Errorf("triage = %+v, want confidence 0.92", resp.Triage)
	}
	if resp.Interpretation == "" {
		t.Error("expected non-empty interpretation")
	}
}

func TestAnalyzeImage_NoTriage(t *testing.T) {
	client := &fakeSpecialistClient{responses: []string{"Findings are non-specific given image quality."}}
	invoker := service.NewSpecialistInvoker(client)
	gate := service.NewConcurrencyGate(4, 8)
	metrics := newTestMetricsForHandler(t)

	req := newImageUploadRequest(t, "/analyze-image", "file", "scan.png", []byte("fake-png-bytes"))
	rec := httptest.NewRecorder()

	AnalyzeImage(invoker, nil, gate, metrics)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp AnalyzeImageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Modality != "uncertain" {
		t.Errorf("modality = %q, want uncertain", resp.Modality)
	}
	if resp.Triage != nil {
		t.Errorf("triage = %+v, want nil", resp.Triage)
	}
}

func TestAnalyzeImage_MissingFile(t *testing.T) {
	client := &fakeSpecialistClient{responses: []string{"unused"}}
	invoker := service.NewSpecialistInvoker(client)
	gate := service.NewConcurrencyGate(4, 8)
	metrics := newTestMetricsForHandler(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/analyze-image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	AnalyzeImage(invoker, nil, gate, metrics)(rec, req)

	if rec.Code != http.StatusUnprocessableEntity && rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want a client error", rec.Code)
	}
}
