package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/google/go-cmp/cmp"
)

func writeDefinition(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}
	return path
}

func TestLoadDefinition(t *testing.T) {
	want := surveys.Definition{
		Title:      "Team lunch",
		AccessCode: "LUNCH1",
		Active:     true,
		Questions: []surveys.QuestionDefinition{
			{Text: "main", Options: []string{"Soup", "Salad"}},
		},
	}

	testCases := []struct {
		name     string
		file     string
		contents string
	}{
		{
			name: "yaml",
			file: "lunch.yaml",
			contents: `title: Team lunch
access_code: LUNCH1
questions:
  - text: main
    options: [Soup, Salad]
`,
		},
		{
			name:     "json",
			file:     "lunch.json",
			contents: `{"title":"Team lunch","access_code":"LUNCH1","active":true,"questions":[{"text":"main","options":["Soup","Salad"]}]}`,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			definition, err := loadDefinition(writeDefinition(t, testCase.file, testCase.contents))
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if diff := cmp.Diff(want, definition); diff != "" {
				t.Fatalf("unexpected definition (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDefinitionRequiresPath(t *testing.T) {
	if _, err := loadDefinition(""); !errors.Is(err, errMissingDefinition) {
		t.Fatalf("expected missing definition error, got %v", err)
	}
	if _, err := loadDefinition(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
