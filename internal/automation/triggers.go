// Package automation turns saved trigger rules into scheduled generation jobs and
// runs those jobs.
package automation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/internal/planner"
)

// ValidationError is returned when saved trigger data is rejected
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TriggerInput is the submitted configuration of one trigger category
type TriggerInput struct {
	Enabled          bool                   `json:"enabled"`
	Format           models.PostFormat      `json:"format,omitempty"`
	Frequency        models.Frequency       `json:"frequency,omitempty"`
	CustomSchedule   *models.CustomSchedule `json:"customSchedule,omitempty"`
	PostsPerPeriod   *int                   `json:"postsPerPeriod,omitempty"`
	TopicsOfInterest []string               `json:"topicsOfInterest,omitempty"`
	Settings         map[string]interface{} `json:"settings,omitempty"`
}

// Triggers groups the four trigger categories. Nil categories are left untouched.
type Triggers struct {
	NewPosts        *TriggerInput `json:"newPosts,omitempty"`
	Engagement      *TriggerInput `json:"engagement,omitempty"`
	LeadsGeneration *TriggerInput `json:"leadsGeneration,omitempty"`
	LeadsNurturing  *TriggerInput `json:"leadsNurturing,omitempty"`
}

// TriggerData is the body of a rule save
type TriggerData struct {
	PostingMode models.PostingMode `json:"postingMode,omitempty"`
	Triggers    Triggers           `json:"triggers"`
}

func (t Triggers) byCategory() []struct {
	category models.TriggerCategory
	input    *TriggerInput
} {
	return []struct {
		category models.TriggerCategory
		input    *TriggerInput
	}{
		{models.TriggerNewPosts, t.NewPosts},
		{models.TriggerEngagement, t.Engagement},
		{models.TriggerLeadsGeneration, t.LeadsGeneration},
		{models.TriggerLeadsNurturing, t.LeadsNurturing},
	}
}

// toRule validates the input and builds the rule to store
func (in *TriggerInput) toRule(agentID string, category models.TriggerCategory, userID string) (*models.AutomationRule, error) {
	field := func(name string) string { return string(category) + "." + name }

	format := in.Format
	if format == "" {
		format = models.FormatNormal
	}
	if !format.Valid() {
		return nil, &ValidationError{Field: field("format"), Reason: fmt.Sprintf("unknown format %q", format)}
	}

	frequency := in.Frequency
	if frequency == "" {
		frequency = models.FrequencyDaily
	}
	if !frequency.Valid() {
		return nil, &ValidationError{Field: field("frequency"), Reason: fmt.Sprintf("unknown frequency %q", frequency)}
	}

	postsPerPeriod := models.DefaultPostsPerPeriod
	if in.PostsPerPeriod != nil {
		postsPerPeriod = *in.PostsPerPeriod
	}
	if postsPerPeriod <= 0 {
		return nil, &ValidationError{Field: field("postsPerPeriod"), Reason: "must be positive"}
	}

	rule := &models.AutomationRule{
		AgentID:          agentID,
		Category:         category,
		Enabled:          in.Enabled,
		Format:           format,
		Frequency:        frequency,
		PostsPerPeriod:   postsPerPeriod,
		TopicsOfInterest: cleanTopics(in.TopicsOfInterest),
		Settings:         models.JSON(in.Settings),
		UpdatedBy:        userID,
	}

	if frequency == models.FrequencyCustom {
		if in.CustomSchedule == nil {
			return nil, &ValidationError{Field: field("customSchedule"), Reason: "required for custom frequency",
				Err: &planner.InvalidScheduleError{Reason: "no days configured"}}
		}
		if _, err := planner.CustomCron(in.CustomSchedule.Days, in.CustomSchedule.Time); err != nil {
			var serr *planner.InvalidScheduleError
			if !errors.As(err, &serr) {
				err = &planner.InvalidScheduleError{Reason: err.Error()}
			}
			return nil, &ValidationError{Field: field("customSchedule"), Reason: "invalid schedule", Err: err}
		}
		rule.CustomDays = models.StringSlice(in.CustomSchedule.Days)
		rule.CustomTime = strings.TrimSpace(in.CustomSchedule.Time)
	}
	return rule, nil
}

func cleanTopics(topics []string) models.StringSlice {
	out := make(models.StringSlice, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
