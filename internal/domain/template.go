package domain

// Stored template names used by the deadline tracker.
const (
	TemplateSlaWarning = "sla_warning"
	TemplateSlaBreach  = "sla_breach"
)

// EmailTemplate is a named subject/body pair with {{placeholder}} tokens.
type EmailTemplate struct {
	ID       string
	Name     string
	Subject  string
	Body     string
	IsActive bool
}
