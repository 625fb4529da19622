package llm

import "testing"

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"  SELECT 1 \n", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nMATCH (n) RETURN n\n```", "MATCH (n) RETURN n"},
		{"```json\n{\"route\": \"hybrid\"}\n```", `{"route": "hybrid"}`},
		{"```{\"route\": \"hybrid\"}```", `{"route": "hybrid"}`},
		{"```SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
