package models

import (
	"strings"
	"time"

	"github.com/lib/pq"
)

// Defaults used until an admin saves the config row.
const (
	DefaultSystemPrompt = "You are a supportive, non-judgmental therapy companion. " +
		"Listen actively, reflect feelings back, and never give medical diagnoses. " +
		"If the user expresses intent to harm themselves or others, share the crisis contact below and encourage them to reach out."

	DefaultRedactionPrompt = "Rewrite the following therapy transcript so it is de-identified under the HIPAA Safe Harbor method. " +
		"Replace every name, date, location smaller than a state, phone number, email address, identifier, and any of the other Safe Harbor categories " +
		"with a bracketed tag such as [REDACTED: NAME] or [REDACTED: DATE]. " +
		"Keep everything else verbatim. Return only the rewritten text."

	DefaultCrisisContact = "988 Suicide & Crisis Lifeline (call or text 988)"
)

// AppConfigID is the primary key of the singleton config row.
const AppConfigID = "default"

// AppConfig is the admin-editable configuration: prompts interpolated into the
// realtime session and the redaction call, crisis contact text, and the set of
// languages sessions may be started in.
type AppConfig struct {
	ID                 string         `gorm:"column:id;type:text;primaryKey" json:"id"`
	SystemPrompt       string         `gorm:"column:system_prompt;type:text" json:"system_prompt"`
	RedactionPrompt    string         `gorm:"column:redaction_prompt;type:text" json:"redaction_prompt"`
	CrisisContact      string         `gorm:"column:crisis_contact;type:text" json:"crisis_contact"`
	SupportedLanguages pq.StringArray `gorm:"column:supported_languages;type:text[]" json:"supported_languages"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (AppConfig) TableName() string { return "app_config" }

// DefaultAppConfig seeds the singleton row on first boot.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		ID:                 AppConfigID,
		SystemPrompt:       DefaultSystemPrompt,
		RedactionPrompt:    DefaultRedactionPrompt,
		CrisisContact:      DefaultCrisisContact,
		SupportedLanguages: pq.StringArray{"en", "es"},
		UpdatedAt:          time.Now().UTC(),
	}
}

// ConfigSnapshot is the immutable view handed to the sideband manager and the
// redaction pipeline. It is taken once per operation so neither component
// reads mutable global state mid-flight.
type ConfigSnapshot struct {
	SystemPrompt       string   `json:"system_prompt"`
	RedactionPrompt    string   `json:"redaction_prompt"`
	CrisisContact      string   `json:"crisis_contact"`
	SupportedLanguages []string `json:"supported_languages"`
}

// Snapshot copies the row into an immutable snapshot, substituting defaults
// for blank fields.
func (c *AppConfig) Snapshot() ConfigSnapshot {
	snap := ConfigSnapshot{
		SystemPrompt:       c.SystemPrompt,
		RedactionPrompt:    c.RedactionPrompt,
		CrisisContact:      c.CrisisContact,
		SupportedLanguages: append([]string(nil), c.SupportedLanguages...),
	}
	if snap.SystemPrompt == "" {
		snap.SystemPrompt = DefaultSystemPrompt
	}
	if snap.RedactionPrompt == "" {
		snap.RedactionPrompt = DefaultRedactionPrompt
	}
	if snap.CrisisContact == "" {
		snap.CrisisContact = DefaultCrisisContact
	}
	if len(snap.SupportedLanguages) == 0 {
		snap.SupportedLanguages = []string{"en"}
	}
	return snap
}

// SupportsLanguage reports whether sessions may be started in lang.
func (s ConfigSnapshot) SupportsLanguage(lang string) bool {
	for _, l := range s.SupportedLanguages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// TherapyInstructions renders the realtime session instructions with the
// crisis contact and session language interpolated.
func (s ConfigSnapshot) TherapyInstructions(language string) string {
	var b strings.Builder
	b.WriteString(s.SystemPrompt)
	b.WriteString("\n\nCrisis contact: ")
	b.WriteString(s.CrisisContact)
	if language != "" {
		b.WriteString("\nRespond in language: ")
		b.WriteString(language)
	}
	return b.String()
}
