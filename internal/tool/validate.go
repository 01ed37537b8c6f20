package tool

import (
	"errors"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// ValidateTool checks the manifest in dir and the files its runtime references
func ValidateTool(dir string, ui *tui.UI) error {
	ui = uiOrDefault(ui)
	out := ui.Out()

	m, err := manifest.Load(dir)
	if err != nil {
		return err
	}

	var problems []string
	collect := func(err error) {
		if err == nil {
			return
		}
		var validationErr *manifest.ValidationError
		if errors.As(err, &validationErr) {
			problems = append(problems, validationErr.Problems...)
			return
		}
		problems = append(problems, err.Error())
	}

	collect(m.Validate())
	if m.Runtime != nil {
		collect(m.ValidateFiles(dir))
	}

	if len(problems) > 0 {
		core.MustFprintf(out, "%s is invalid:\n", dir)
		for _, p := range problems {
			core.MustFprintf(out, "  - %s\n", p)
		}
		return manifest.NewValidationError(problems...)
	}

	core.MustFprintf(out, "%s %s is valid (%s)\n", m.ID, m.Version, m.Runtime.Type)
	return nil
}
