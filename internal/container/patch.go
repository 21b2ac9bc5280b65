package container

import "log/slog"

// ImplementationPatch rewrites the implementation key of one target
// definition during registry refresh, without requiring a full definition
// override that could conflict with other customizations. Constructed from
// configuration, consulted exactly once, never mutated afterwards.
type ImplementationPatch struct {
	// Name identifies this patch in log output.
	Name string

	// Target is the definition to rewrite.
	Target string

	// Original, when set, restricts the patch to definitions whose current
	// implementation matches it exactly (case-sensitive).
	Original string

	// Replacement is the implementation key to install.
	Replacement string

	// Active gates the whole patch.
	Active bool
}

// PostProcess applies the patch to the registry. Every non-applying path is
// reported through the log only; none is an error.
func (p *ImplementationPatch) PostProcess(r *Registry) {
	if !p.Active {
		slog.Info("patch not applied, marked inactive", "patch", p.Name)
		return
	}
	if p.Target == "" || p.Replacement == "" {
		slog.Warn("patch cannot be applied, configuration incomplete",
			"patch", p.Name,
			"target", p.Target,
			"replacement", p.Replacement,
		)
		return
	}

	def := r.Definition(p.Target)
	if def == nil {
		slog.Info("patch cannot be applied, no definition with target name",
			"patch", p.Name,
			"target", p.Target,
		)
		return
	}

	if p.Original != "" && p.Original != def.Implementation {
		slog.Info("patch not applied, implementation does not match expected",
			"patch", p.Name,
			"target", p.Target,
			"expected", p.Original,
			"actual", def.Implementation,
		)
		return
	}

	slog.Info("patching component implementation",
		"patch", p.Name,
		"target", p.Target,
		"replacement", p.Replacement,
	)
	def.Implementation = p.Replacement
}
