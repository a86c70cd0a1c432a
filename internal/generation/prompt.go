package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/social-autopilot/internal/models"
)

// PromptInput is everything the generation prompt is built from
type PromptInput struct {
	Agent        *models.Agent
	Format       models.PostFormat
	ScheduledFor time.Time
	Topics       []string
	Headlines    []string
}

const (
	normalInstructions = `Write one short post of at most 280 characters. Use a single paragraph, no line breaks, at most two hashtags.`

	longFormInstructions = `Write a long-form post of 3 to 5 short paragraphs separated by blank lines. Open with a hook and close with a question or call to action.`
)

// BuildPrompt joins the agent's sanitized attributes into one user message
func BuildPrompt(in PromptInput) string {
	a := in.Agent
	var b strings.Builder

	fmt.Fprintf(&b, "Write a social media post for %s", field(a.Name, "our brand"))
	if industry := StripControl(a.Industry); strings.TrimSpace(industry) != "" {
		fmt.Fprintf(&b, ", a brand in the %s industry", strings.TrimSpace(industry))
	}
	b.WriteString(".\n")

	if v := field(a.TargetAudience, ""); v != "" {
		fmt.Fprintf(&b, "Target audience: %s.\n", v)
	}
	if v := field(a.BrandPersonality, ""); v != "" {
		fmt.Fprintf(&b, "Brand personality: %s.\n", v)
	}
	if v := field(a.ContentStyle, ""); v != "" {
		fmt.Fprintf(&b, "Content style: %s.\n", v)
	}

	if topics := cleanList(in.Topics); len(topics) > 0 {
		fmt.Fprintf(&b, "Topics of interest: %s.\n", strings.Join(topics, ", "))
	}
	if headlines := cleanList(in.Headlines); len(headlines) > 0 {
		b.WriteString("Recent headlines you may draw on:\n")
		for _, h := range headlines {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if !in.ScheduledFor.IsZero() {
		fmt.Fprintf(&b, "It will be published on %s.\n", in.ScheduledFor.Format("Monday, January 2 at 15:04"))
	}

	if in.Format == models.FormatLongForm {
		b.WriteString(longFormInstructions)
	} else {
		b.WriteString(normalInstructions)
	}
	b.WriteString("\nReply with the post text only.")
	return b.String()
}

func field(v, fallback string) string {
	v = strings.TrimSpace(StripControl(v))
	if v == "" {
		return fallback
	}
	return v
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = field(s, ""); s != "" {
			out = append(out, s)
		}
	}
	return out
}
