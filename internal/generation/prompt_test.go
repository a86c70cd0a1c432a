package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/social-autopilot/internal/models"
)

func TestBuildPrompt_StripsControlCharacters(t *testing.T) {
	agent := &models.Agent{
		Name:           "Acme\x00 Cloud",
		Industry:       "Dev\x1btools",
		TargetAudience: "platform engineers",
		ContentStyle:   "\x07",
	}

	got := BuildPrompt(PromptInput{
		Agent:     agent,
		Format:    models.FormatNormal,
		Topics:    []string{"observability", "\x01", "kubernetes"},
		Headlines: []string{"Go 1.24 released\x7f"},
	})

	assert.Contains(t, got, "Acme Cloud")
	assert.Contains(t, got, "Devtools industry")
	assert.Contains(t, got, "Target audience: platform engineers.")
	assert.NotContains(t, got, "Content style")
	assert.Contains(t, got, "Topics of interest: observability, kubernetes.")
	assert.Contains(t, got, "- Go 1.24 released\n")
	assert.Contains(t, got, "at most 280 characters")
	for _, r := range got {
		if r != '\n' {
			assert.False(t, isControl(r), "unexpected control character %q", r)
		}
	}
}

func TestBuildPrompt_LongFormAndSchedule(t *testing.T) {
	got := BuildPrompt(PromptInput{
		Agent:        &models.Agent{Name: "Acme"},
		Format:       models.FormatLongForm,
		ScheduledFor: time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC),
	})

	assert.Contains(t, got, "long-form post")
	assert.Contains(t, got, "Wednesday, March 4 at 14:30")
}
