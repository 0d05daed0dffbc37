package frame

import "testing"

func TestParseHatch(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		payload map[string]any
		want    HatchParams
		wantErr bool
	}{
		{`valid`, map[string]any{"hatch_rate": 2.5, "num_clients": 4}, HatchParams{2.5, 4}, false},
		{`int rate`, map[string]any{"hatch_rate": 2, "num_clients": 4}, HatchParams{2, 4}, false},
		{`float num_clients whole`, map[string]any{"hatch_rate": 1.0, "num_clients": 4.0}, HatchParams{1, 4}, false},
		{`float num_clients fractional`, map[string]any{"hatch_rate": 1.0, "num_clients": 4.5}, HatchParams{}, true},
		{`missing rate`, map[string]any{"num_clients": 4}, HatchParams{}, true},
		{`missing num_clients`, map[string]any{"hatch_rate": 1.0}, HatchParams{}, true},
		{`negative num_clients`, map[string]any{"hatch_rate": 1.0, "num_clients": -1}, HatchParams{}, true},
		{`wrong type`, map[string]any{"hatch_rate": "fast", "num_clients": 4}, HatchParams{}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseHatch(New(TypeHatch, "node", tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatalf(`expected error`)
				}
				return
			}
			if err != nil {
				t.Fatalf(`unexpected error: %v`, err)
			}
			if got != tc.want {
				t.Fatalf(`got %+v, want %+v`, got, tc.want)
			}
		})
	}
}

func TestHatchComplete(t *testing.T) {
	f := HatchComplete("node-1", 7)
	if f.Type != TypeHatchComplete {
		t.Fatalf(`got type %v`, f.Type)
	}
	if f.NodeID != "node-1" {
		t.Fatalf(`got node id %v`, f.NodeID)
	}
	if f.Payload["count"] != 7 {
		t.Fatalf(`got count %v`, f.Payload["count"])
	}
}
