package service

import (
	"context"
	"strings"
	"testing"
)

type fakeSpecialistClient struct {
	calls     []SpecialistRequest
	responses []string
	errs      []error
	idx       int
}

func (f *fakeSpecialistClient) Generate(ctx context.Context, req SpecialistRequest) (string, error) {
	f.calls = append(f.calls, req)
	i := f.idx
	f.idx++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	resp := ""
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

func TestSpecialistInvoker_Invoke_Success(t *testing.T) {
	client := &fakeSpecialistClient{responses: []string{"Pigmented lesion findings consistent with irregular borders."}}
	inv := NewSpecialistInvoker(client)

	out, err := inv.Invoke(context.Background(), PromptMaterial{Instruction: "assess", PatientHistory: "45yo male"}, InvokeOpts{MaxOutputTokens: 512, Temperature: 0.4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty output")
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(client.calls))
	}
}

func TestSpecialistInvoker_OverflowMaxTokens_RetriesWithReducedBudget(t *testing.T) {
	client := &fakeSpecialistClient{
		errs:      []error{&OverflowError{Parameter: "max_tokens"}, nil},
		responses: []string{"", "ok response"},
	}
	inv := NewSpecialistInvoker(client)

	out, err := inv.Invoke(context.Background(), PromptMaterial{Instruction: "assess"}, InvokeOpts{MaxOutputTokens: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok response" {
		t.Fatalf("expected recovered response, got %q", out)
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(client.calls))
	}
	if client.calls[1].MaxOutputTokens >= client.calls[0].MaxOutputTokens {
		t.Fatalf("expected reduced budget on retry: first=%d second=%d", client.calls[0].MaxOutputTokens, client.calls[1].MaxOutputTokens)
	}
}

func TestSpecialistInvoker_OverflowInputTokens_CompactsAndRetries(t *testing.T) {
	client := &fakeSpecialistClient{
		errs:      []error{&OverflowError{Parameter: "input_tokens"}, nil},
		responses: []string{"", "compacted ok"},
	}
	inv := NewSpecialistInvoker(client)

	rounds := make([]struct{}, 0)
	_ = rounds

	material := PromptMaterial{
		Instruction:    "assess",
		PatientHistory: strings.Repeat("sentence one. ", 50),
		RAGChunks: []RankedChunk{
			{}, {}, {}, {}, {}, {},
		},
	}

	out, err := inv.Invoke(context.Background(), material, InvokeOpts{MaxOutputTokens: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "compacted ok" {
		t.Fatalf("expected recovered response, got %q", out)
	}
	secondPrompt := client.calls[1].Prompt
	if len(secondPrompt) >= len(client.calls[0].Prompt) {
		t.Fatalf("expected compacted prompt to be shorter: first=%d second=%d", len(client.calls[0].Prompt), len(secondPrompt))
	}
}

func TestSpecialistInvoker_RefusalRecovery_ImageTask(t *testing.T) {
	client := &fakeSpecialistClient{
		responses: []string{"I am unable to provide a diagnosis.", "Descriptive findings: irregular pigmented lesion, 6mm."},
	}
	inv := NewSpecialistInvoker(client)

	out, err := inv.Invoke(context.Background(), PromptMaterial{Instruction: "diagnose", ImageBytes: []byte{}}, InvokeOpts{MaxOutputTokens: 256, Temperature: 0.1, IsImageTask: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Descriptive findings: irregular pigmented lesion, 6mm." {
		t.Fatalf("expected recovered descriptive output, got %q", out)
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected a reframed retry call, got %d calls", len(client.calls))
	}
}

func TestSpecialistInvoker_RefusalRecovery_NonImageTaskPassesThrough(t *testing.T) {
	client := &fakeSpecialistClient{responses: []string{"I am unable to provide a diagnosis."}}
	inv := NewSpecialistInvoker(client)

	out, err := inv.Invoke(context.Background(), PromptMaterial{Instruction: "assess"}, InvokeOpts{MaxOutputTokens: 256, IsImageTask: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "I am unable to provide a diagnosis." {
		t.Fatalf("expected refusal text unchanged for non-image task, got %q", out)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected no retry for non-image task, got %d calls", len(client.calls))
	}
}

func TestClampOutputBudget_ReducesToFit(t *testing.T) {
	got := clampOutputBudget(modelContextLimit-500, 1000)
	if got > modelContextLimit-(modelContextLimit-500) {
		t.Fatalf("expected clamp to respect context limit, got %d", got)
	}
	if got < minOutputTokensMargin {
		t.Fatalf("expected at least the safety margin, got %d", got)
	}
}

func TestIsPureRefusal(t *testing.T) {
	if !isPureRefusal("I am unable to provide a diagnosis for this case.") {
		t.Fatal("expected short refusal to be detected")
	}
	substantive := "I am unable to make a definitive diagnosis, but based on the findings " +
		"of an irregular, asymmetric pigmented lesion with border irregularity and a six month growth history, " +
		"melanoma should be strongly considered and a dermatology referral for biopsy is warranted."
	if isPureRefusal(substantive) {
		t.Fatal("expected substantive analysis after a disclaimer to not be flagged as pure refusal")
	}
}
