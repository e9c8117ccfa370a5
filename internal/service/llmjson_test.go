package service

import (
	"errors"
	"testing"
)

func TestRepairJSON(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		wantStage RepairStage
		wantNames []string
	}{
		{
			name:      "clean array",
			input:     `[{"name": "Bottle Planter"}, {"name": "Jar Lantern"}]`,
			wantStage: RepairNone,
			wantNames: []string{"Bottle Planter", "Jar Lantern"},
		},
		{
			name:      "fenced payload",
			input:     "```json\n[{\"name\": \"Bottle Planter\"}]\n```",
			wantStage: RepairFences,
			wantNames: []string{"Bottle Planter"},
		},
		{
			name:      "prose around payload",
			input:     "Here are some ideas:\n[{\"name\": \"Jar Lantern\"}]\nHope you like them!",
			wantStage: RepairExtract,
			wantNames: []string{"Jar Lantern"},
		},
		{
			name:      "trailing comma",
			input:     `[{"name": "Bottle Planter"},]`,
			wantStage: RepairFixups,
			wantNames: []string{"Bottle Planter"},
		},
		{
			name:      "single quotes and unquoted keys",
			input:     `[{name: 'Bottle Planter'}]`,
			wantStage: RepairFixups,
			wantNames: []string{"Bottle Planter"},
		},
		{
			name:      "smart quotes",
			input:     "[{“name”: “Jar Lantern”}]",
			wantStage: RepairFixups,
			wantNames: []string{"Jar Lantern"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out []struct {
				Name string `json:"name"`
			}
			stage, err := repairJSON(tc.input, &out)
			if err != nil {
				t.Fatalf("repairJSON failed: %v", err)
			}
			if stage != tc.wantStage {
				t.Errorf("stage = %s, want %s", stage, tc.wantStage)
			}
			if len(out) != len(tc.wantNames) {
				t.Fatalf("got %d entries, want %d", len(out), len(tc.wantNames))
			}
			for i, want := range tc.wantNames {
				if out[i].Name != want {
					t.Errorf("entry %d name = %q, want %q", i, out[i].Name, want)
				}
			}
		})
	}
}

func TestRepairJSONMalformed(t *testing.T) {
	inputs := []string{
		"",
		"no json here at all",
		"{ definitely broken",
	}

	for _, input := range inputs {
		var out []struct {
			Name string `json:"name"`
		}
		_, err := repairJSON(input, &out)
		if err == nil {
			t.Errorf("repairJSON(%q) succeeded, want malformed error", input)
			continue
		}
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.Kind != UpstreamMalformed {
			t.Errorf("repairJSON(%q) error = %v, want UpstreamMalformed", input, err)
		}
	}
}
