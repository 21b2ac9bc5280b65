package repo

import "testing"

func TestToBool(t *testing.T) {
	t.Parallel()

	truth := true
	tests := []struct {
		name  string
		input any
		want  *bool
	}{
		{name: "nil", input: nil, want: nil},
		{name: "bool true", input: true, want: boolPtr(true)},
		{name: "bool false", input: false, want: boolPtr(false)},
		{name: "bool pointer", input: &truth, want: boolPtr(true)},
		{name: "string true", input: "true", want: boolPtr(true)},
		{name: "string false", input: "false", want: boolPtr(false)},
		{name: "string one", input: "1", want: boolPtr(true)},
		{name: "string garbage", input: "maybe", want: nil},
		{name: "json number one", input: float64(1), want: boolPtr(true)},
		{name: "json number zero", input: float64(0), want: boolPtr(false)},
		{name: "int nonzero", input: 7, want: boolPtr(true)},
		{name: "int64 zero", input: int64(0), want: boolPtr(false)},
		{name: "unconvertible", input: []string{"x"}, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ToBool(tt.input)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ToBool(%v): got %v, want %v", tt.input, got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("ToBool(%v): got %v, want %v", tt.input, *got, *tt.want)
			}
		})
	}
}

func TestToString(t *testing.T) {
	t.Parallel()

	if got := ToString("hello"); got != "hello" {
		t.Errorf("ToString(string): got %q, want %q", got, "hello")
	}
	if got := ToString(nil); got != "" {
		t.Errorf("ToString(nil): got %q, want empty", got)
	}
	if got := ToString(42); got != "" {
		t.Errorf("ToString(int): got %q, want empty", got)
	}
}

func boolPtr(b bool) *bool { return &b }
