package container

import (
	"fmt"
	"testing"
)

func TestImplementationPatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patch    ImplementationPatch
		defined  bool
		original string
		want     string
	}{
		{
			name:     "inactive patch is not applied",
			patch:    ImplementationPatch{Name: "p", Target: "svc", Original: "old", Replacement: "new", Active: false},
			defined:  true,
			original: "old",
			want:     "old",
		},
		{
			name:     "missing target is incomplete",
			patch:    ImplementationPatch{Name: "p", Replacement: "new", Active: true},
			defined:  true,
			original: "old",
			want:     "old",
		},
		{
			name:     "missing replacement is incomplete",
			patch:    ImplementationPatch{Name: "p", Target: "svc", Active: true},
			defined:  true,
			original: "old",
			want:     "old",
		},
		{
			name:     "mismatched original is skipped",
			patch:    ImplementationPatch{Name: "p", Target: "svc", Original: "expected", Replacement: "new", Active: true},
			defined:  true,
			original: "other",
			want:     "other",
		},
		{
			name:     "matching original is replaced",
			patch:    ImplementationPatch{Name: "p", Target: "svc", Original: "old", Replacement: "new", Active: true},
			defined:  true,
			original: "old",
			want:     "new",
		},
		{
			name:     "empty original replaces unconditionally",
			patch:    ImplementationPatch{Name: "p", Target: "svc", Replacement: "new", Active: true},
			defined:  true,
			original: "whatever",
			want:     "new",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRegistry()
			if tt.defined {
				r.Define(&Definition{Name: "svc", Implementation: tt.original})
			}

			tt.patch.PostProcess(r)

			def := r.Definition("svc")
			if def == nil {
				t.Fatal("definition disappeared")
			}
			if def.Implementation != tt.want {
				t.Errorf("Implementation: got %q, want %q", def.Implementation, tt.want)
			}
		})
	}
}

func TestImplementationPatchMissingTargetDefinition(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	p := &ImplementationPatch{Name: "p", Target: "absent", Replacement: "new", Active: true}

	// Must not panic and must not create the definition.
	p.PostProcess(r)

	if def := r.Definition("absent"); def != nil {
		t.Errorf("Definition(absent) = %+v, want nil", def)
	}
}

func TestRegistryRefreshRunsProcessorsOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Define(&Definition{Name: "svc", Implementation: "old"})

	var runs int
	r.AddPostProcessor(processorFunc(func(reg *Registry) {
		runs++
		reg.Definition("svc").Implementation = fmt.Sprintf("patched-%d", runs)
	}))

	r.Refresh()
	r.Refresh()

	if runs != 1 {
		t.Errorf("post-processor runs: got %d, want 1", runs)
	}
	if got := r.Definition("svc").Implementation; got != "patched-1" {
		t.Errorf("Implementation: got %q, want %q", got, "patched-1")
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	t.Run("builds singletons through the factory", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Define(&Definition{Name: "svc", Implementation: "impl"})

		var builds int
		r.RegisterFactory("impl", func(def *Definition) (any, error) {
			builds++
			return &struct{ n int }{n: builds}, nil
		})

		first, err := r.Resolve("svc")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		second, err := r.Resolve("svc")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if first != second {
			t.Error("Resolve should return the same singleton instance")
		}
		if builds != 1 {
			t.Errorf("factory builds: got %d, want 1", builds)
		}
	})

	t.Run("unknown definition", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		if _, err := r.Resolve("nope"); err == nil {
			t.Error("expected error for unknown definition, got nil")
		}
	})

	t.Run("unknown implementation factory", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Define(&Definition{Name: "svc", Implementation: "unbound"})
		if _, err := r.Resolve("svc"); err == nil {
			t.Error("expected error for missing factory, got nil")
		}
	})

	t.Run("patches run before instantiation", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Define(&Definition{Name: "svc", Implementation: "old"})
		r.RegisterFactory("old", func(def *Definition) (any, error) { return "old instance", nil })
		r.RegisterFactory("new", func(def *Definition) (any, error) { return "new instance", nil })
		r.AddPostProcessor(&ImplementationPatch{
			Name:        "swap",
			Target:      "svc",
			Original:    "old",
			Replacement: "new",
			Active:      true,
		})

		got, err := r.Resolve("svc")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "new instance" {
			t.Errorf("Resolve: got %v, want the patched implementation", got)
		}
	})
}

func TestDefinitionProperties(t *testing.T) {
	t.Parallel()

	def := &Definition{
		Name:           "svc",
		Implementation: "impl",
		Properties: map[string]any{
			"flag":   true,
			"label":  "hello",
			"number": 7,
		},
	}

	if got := def.BoolProperty("flag", false); got != true {
		t.Errorf("BoolProperty(flag): got %v, want true", got)
	}
	if got := def.BoolProperty("missing", true); got != true {
		t.Errorf("BoolProperty(missing): got %v, want the default", got)
	}
	if got := def.BoolProperty("label", false); got != false {
		t.Errorf("BoolProperty(label): got %v, want the default for a mistyped value", got)
	}
	if got := def.StringProperty("label", ""); got != "hello" {
		t.Errorf("StringProperty(label): got %q, want %q", got, "hello")
	}
	if got := def.StringProperty("number", "fallback"); got != "fallback" {
		t.Errorf("StringProperty(number): got %q, want the default", got)
	}

	empty := &Definition{Name: "bare"}
	if got := empty.BoolProperty("flag", true); got != true {
		t.Errorf("BoolProperty on nil properties: got %v, want the default", got)
	}
}

// processorFunc adapts a function to the PostProcessor interface.
type processorFunc func(*Registry)

func (f processorFunc) PostProcess(r *Registry) { f(r) }
