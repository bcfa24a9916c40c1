package models

import (
	"testing"
)

func TestScriptScanRoundTrip(t *testing.T) {
	raw := []byte(`{"title":"La Fuga","tagline":"Nadie escapa","scenes":[{"sceneNumber":1,"duration":10,"characters":["Ana"],"dialogue":null}],"closingCard":{"text":"FIN","style":"bold"}}`)

	var s Script
	if err := s.Scan(raw); err != nil {
		t.Fatalf("failed to scan script: %v", err)
	}

	if s.Title != "La Fuga" {
		t.Errorf("expected title La Fuga, got %q", s.Title)
	}
	if len(s.Scenes) != 1 || s.Scenes[0].Duration != 10 {
		t.Errorf("unexpected scenes: %+v", s.Scenes)
	}
	if s.Scenes[0].Dialogue != nil {
		t.Errorf("expected nil dialogue")
	}
	if s.ClosingCard.Text != "FIN" {
		t.Errorf("expected closing card FIN, got %q", s.ClosingCard.Text)
	}

	if err := s.Scan(42); err == nil {
		t.Error("expected error scanning unsupported type")
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	tests := []struct {
		from ProjectStatus
		to   ProjectStatus
		ok   bool
	}{
		{ProjectStatusDraft, ProjectStatusGeneratingScript, true},
		{ProjectStatusGeneratingScript, ProjectStatusGeneratingScenes, true},
		{ProjectStatusGeneratingScenes, ProjectStatusAssembling, true},
		{ProjectStatusAssembling, ProjectStatusComplete, true},
		{ProjectStatusDraft, ProjectStatusFailed, true},
		{ProjectStatusAssembling, ProjectStatusFailed, true},
		{ProjectStatusDraft, ProjectStatusGeneratingScenes, false},
		{ProjectStatusGeneratingScenes, ProjectStatusGeneratingScript, false},
		{ProjectStatusComplete, ProjectStatusFailed, false},
		{ProjectStatusFailed, ProjectStatusDraft, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestProjectStatusValues(t *testing.T) {
	statuses := []ProjectStatus{
		ProjectStatusDraft,
		ProjectStatusGeneratingScript,
		ProjectStatusGeneratingScenes,
		ProjectStatusAssembling,
		ProjectStatusComplete,
		ProjectStatusFailed,
	}

	expected := []string{"draft", "generating_script", "generating_scenes", "assembling", "complete", "failed"}

	for i, status := range statuses {
		if string(status) != expected[i] {
			t.Errorf("expected %s, got %s", expected[i], status)
		}
		if !status.Valid() {
			t.Errorf("expected %s to be valid", status)
		}
	}

	if ProjectStatus("queued").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestReferencePhotos(t *testing.T) {
	c := Character{
		OriginalPhotos:  []string{"o1", "o2"},
		ProcessedPhotos: []string{"p1", "p2"},
	}

	if got := c.ReferencePhotos(false); got[0] != "p1" {
		t.Errorf("expected processed photos, got %v", got)
	}
	if got := c.ReferencePhotos(true); got[0] != "o1" {
		t.Errorf("expected original photos when forced, got %v", got)
	}

	c.ProcessedPhotos = nil
	if got := c.ReferencePhotos(false); got[0] != "o1" {
		t.Errorf("expected fallback to originals, got %v", got)
	}
}

func TestSecondsUnmarshal(t *testing.T) {
	tests := map[string]Seconds{
		`9`:      9,
		`7.5`:    7.5,
		`"9"`:    9,
		`" 10s"`: 10,
		`null`:   0,
		`"long"`: 0,
	}
	for raw, want := range tests {
		var s Seconds
		if err := s.UnmarshalJSON([]byte(raw)); err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
			continue
		}
		if s != want {
			t.Errorf("%s: expected %v, got %v", raw, want, s)
		}
	}
}
