package summary_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/provider/summary/dummy"
	"github.com/MrWong99/anamnese/pkg/types"
)

func TestFilterEmpty(t *testing.T) {
	t.Parallel()

	in := []types.Section{
		{Slug: "a", Content: "x"},
		{Slug: "b", Content: ""},
		{Slug: "c", Content: " \n\t"},
		{Slug: "d", Content: "y"},
	}
	got := summary.FilterEmpty(in)
	if len(got) != 2 || got[0].Slug != "a" || got[1].Slug != "d" {
		t.Errorf("FilterEmpty = %+v", got)
	}
	if len(in) != 4 {
		t.Error("input slice was modified")
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()

	got := summary.Transcript([]types.Segment{
		{Text: " um "},
		{Text: ""},
		{Text: "dois", Speaker: "médico"},
	})
	if want := "um\nmédico: dois"; got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}

func TestRefusalError(t *testing.T) {
	t.Parallel()

	base := &summary.RefusalError{Message: "sem dados", Err: summary.ErrNoAction}
	wrapped := fmt.Errorf("completion: %w", base)

	re, ok := summary.IsRefusal(wrapped)
	if !ok || re.Message != "sem dados" {
		t.Fatalf("IsRefusal = %v, %v", re, ok)
	}
	if !errors.Is(wrapped, summary.ErrNoAction) {
		t.Error("expected wrapped ErrNoAction")
	}
	if _, ok := summary.IsRefusal(errors.New("boom")); ok {
		t.Error("plain error reported as refusal")
	}
}

func TestDummy(t *testing.T) {
	t.Parallel()

	got, err := dummy.Provider{}.Summarize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(got) != len(dummy.Sections) {
		t.Fatalf("got %d sections, want %d", len(got), len(dummy.Sections))
	}
	if got[1].Slug != summary.SlugChiefComplaint {
		t.Errorf("second slug = %q", got[1].Slug)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (dummy.Provider{}).Summarize(ctx, nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}
