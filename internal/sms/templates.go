package sms

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"crewdesk/internal/types"
)

//go:embed templates/*.txt
var templateFS embed.FS

// DefaultOrgName signs messages for organizations with no name on file.
const DefaultOrgName = "your service team"

// requiredVars lists the variables each template cannot render without.
// Names only personalize the greeting and fall back instead.
var requiredVars = map[types.TemplateType][]string{
	types.TemplateAppointmentReminder24h: {"time"},
	types.TemplateAppointmentReminder2h:  {"time"},
	types.TemplateReviewRequest:          {"review_url"},
	types.TemplatePaymentReminder:        {"amount", "payment_url"},
}

// Renderer turns a template type and variables into an SMS body.
type Renderer struct {
	templates map[types.TemplateType]*template.Template
	fallbacks map[string]string
}

// NewRenderer parses the embedded templates. An empty orgName uses
// DefaultOrgName.
func NewRenderer(orgName string) (*Renderer, error) {
	if orgName == "" {
		orgName = DefaultOrgName
	}
	r := &Renderer{
		templates: make(map[types.TemplateType]*template.Template, len(requiredVars)),
		fallbacks: map[string]string{"customer_name": "there", "org_name": orgName},
	}
	for tt := range requiredVars {
		name := string(tt)
		src, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("sms renderer: failed to read %s.txt: %w", name, err)
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(strings.TrimSpace(string(src)))
		if err != nil {
			return nil, fmt.Errorf("sms renderer: failed to parse %s.txt: %w", name, err)
		}
		r.templates[tt] = tmpl
	}
	return r, nil
}

// Render executes the template. A missing customer or organization name is
// replaced by its fallback; unknown templates and other missing required
// variables are validation errors. vars is not modified.
func (r *Renderer) Render(tt types.TemplateType, vars map[string]string) (string, error) {
	tmpl, ok := r.templates[tt]
	if !ok {
		return "", types.NewAppError(types.ErrCodeValidationInvalidRequest, fmt.Sprintf("unknown sms template %q", tt), nil)
	}
	vars = r.withFallbacks(vars)
	var missing []string
	for _, k := range requiredVars[tt] {
		if vars[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fmt.Sprintf("template %s is missing variables", tt), nil,
			map[string]any{"missing": missing})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("failed to render template %s", tt), err)
	}
	return buf.String(), nil
}

func (r *Renderer) withFallbacks(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+len(r.fallbacks))
	for k, v := range r.fallbacks {
		out[k] = v
	}
	for k, v := range vars {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}
