package validation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("tile_template", validateTileTemplate)
}

// Validator returns the shared validator with the tile_template rule registered.
func Validator() *validator.Validate {
	return validate
}

// ValidateTemplate checks a tile URL template. When mirrors are configured the
// template must contain {server}, otherwise rotation would have no effect.
func ValidateTemplate(template string, mirrors []string) error {
	if err := validate.Var(template, "required,tile_template"); err != nil {
		return fmt.Errorf("invalid tile template %q: %w", template, err)
	}

	hasServer := strings.Contains(template, "{server}")
	named := false
	for _, m := range mirrors {
		if m != "" {
			named = true
			break
		}
	}
	if named && !hasServer {
		return fmt.Errorf("tile template %q has no {server} placeholder but mirrors are configured", template)
	}
	if hasServer && !named {
		return fmt.Errorf("tile template %q needs at least one mirror for {server}", template)
	}
	return nil
}

func validateTileTemplate(fl validator.FieldLevel) bool {
	tmpl := fl.Field().String()

	if !strings.Contains(tmpl, "{z}") || !strings.Contains(tmpl, "{x}") {
		return false
	}
	if !strings.Contains(tmpl, "{y}") && !strings.Contains(tmpl, "{-y}") {
		return false
	}

	// Placeholders are not valid host characters, so parse a sample expansion.
	sample := strings.NewReplacer(
		"{server}", "a",
		"{z}", "0",
		"{x}", "0",
		"{-y}", "0",
		"{y}", "0",
	).Replace(tmpl)
	if strings.ContainsAny(sample, "{}") {
		return false
	}

	u, err := url.Parse(sample)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
