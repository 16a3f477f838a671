package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/medconsent/internal/model"
)

// AgentDigester produces clinical digests through a chat model.
type AgentDigester struct {
	m Model
}

// NewAgentDigester returns a Digester backed by m.
func NewAgentDigester(m Model) *AgentDigester { return &AgentDigester{m: m} }

// Digest asks the model for a one or two line digest of text.
// The returned string is not post-processed.
func (d *AgentDigester) Digest(ctx context.Context, text string, pc model.PatientContext) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("digest: no text extracted")
	}
	out, err := d.m.Chat(ctx, DigestPrompt(text, pc))
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// DigestPrompt renders the digest instruction for text and the known patient history.
func DigestPrompt(text string, pc model.PatientContext) string {
	var b strings.Builder
	b.WriteString(`Analyze this medical record text and extract ONLY the most important clinical information.

Focus exclusively on:
- Key diagnoses/conditions
- Critical test results and their values
- Important medications
- Significant findings

Format rules:
1. Create a single coherent sentence or very short paragraph (2-3 lines max)
2. Use medical terminology but be concise and clear
3. Omit phrases like "No significant findings" or "No other significant findings"
4. If there truly is nothing significant to report, just write the test name and "negative" or "normal"
5. Do NOT add any commentary or interpretation
6. Include only clinically significant information

Known patient context:
`)
	field(&b, "Name", pc.Name, "Not provided")
	field(&b, "Gender", pc.Gender, "Not provided")
	field(&b, "Date of Birth", pc.DateOfBirth, "Not provided")
	field(&b, "Blood Group", pc.BloodGroup, "Not provided")
	field(&b, "Allergies", strings.Join(pc.Allergies, ", "), "None reported")
	field(&b, "Medical History", pc.MedicalHistory, "None reported")
	field(&b, "Current Medications", pc.CurrentMedications, "None reported")
	field(&b, "Chronic Conditions", pc.ChronicConditions, "None reported")
	b.WriteString("\nMedical Record Text:\n")
	b.WriteString(text)
	return b.String()
}

// Profile asks the model for a short baseline summary of the patient's profile.
func (d *AgentDigester) Profile(ctx context.Context, pc model.PatientContext) (string, error) {
	out, err := d.m.Chat(ctx, ProfilePrompt(pc))
	if err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ProfilePrompt renders the baseline summary instruction for a patient profile.
func ProfilePrompt(pc model.PatientContext) string {
	var b strings.Builder
	b.WriteString(`Create a concise medical summary from this patient profile.

Format rules:
1. A single short paragraph (2-3 lines max)
2. Mention only allergies, chronic conditions, current medications and relevant history
3. If there is nothing of note, write "No significant medical history"
4. Do NOT add a heading or prefix such as "Initial Profile Summary:"

Patient profile:
`)
	field(&b, "Name", pc.Name, "Not provided")
	field(&b, "Blood Group", pc.BloodGroup, "Not provided")
	field(&b, "Date of Birth", pc.DateOfBirth, "Not provided")
	field(&b, "Gender", pc.Gender, "Not provided")
	field(&b, "Allergies", strings.Join(pc.Allergies, ", "), "None reported")
	field(&b, "Medical History", pc.MedicalHistory, "None reported")
	field(&b, "Current Medications", pc.CurrentMedications, "None reported")
	field(&b, "Chronic Conditions", pc.ChronicConditions, "None reported")
	field(&b, "Vaccination Status", pc.VaccinationStatus, "Not provided")
	return b.String()
}

func field(b *strings.Builder, name, v, empty string) {
	v = strings.TrimSpace(v)
	if v == "" {
		v = empty
	}
	fmt.Fprintf(b, "%s: %s\n", name, v)
}
