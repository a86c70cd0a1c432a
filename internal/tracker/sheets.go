// Package tracker keeps a Google Sheets ledger of publish outcomes.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/social-autopilot/internal/config"
	"github.com/social-autopilot/internal/models"
	"github.com/social-autopilot/pkg/logger"
)

// SheetColumns defines the column headers for the ledger sheet
var SheetColumns = []string{
	"Post ID",
	"Agent ID",
	"Platform",
	"Status",
	"Format",
	"Scheduled For",
	"Posted At",
	"Platform Post ID",
	"Post URL",
	"Error",
	"Content Preview",
	"Recorded At",
}

const (
	lastColumn    = "L"
	previewLength = 200
	recordTimeout = 10 * time.Second
)

// Entry is one ledger row
type Entry struct {
	PostID         string
	AgentID        string
	Platform       string
	Status         models.PostStatus
	Format         models.PostFormat
	ScheduledFor   time.Time
	PostedAt       time.Time
	PlatformPostID string
	PostURL        string
	Error          string
	ContentPreview string
	RecordedAt     time.Time
}

// Ledger appends one row per post that reaches a terminal state
type Ledger struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	now           func() time.Time
	log           *logger.Logger
}

// NewLedger creates the ledger. It returns nil, nil when the tracker is disabled.
// Extra client options are appended after the credentials.
func NewLedger(ctx context.Context, cfg config.TrackerConfig, log *logger.Logger, opts ...option.ClientOption) (*Ledger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("tracker.spreadsheet_id is required")
	}

	var clientOpts []option.ClientOption
	// Try service account JSON first (for env var injection)
	switch {
	case cfg.ServiceAccountJSON != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	case len(opts) == 0:
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}
	clientOpts = append(clientOpts, opts...)

	srv, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Posts"
	}

	return &Ledger{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		now:           time.Now,
		log:           log.WithComponent("sheets-ledger"),
	}, nil
}

// InitializeSheet creates the sheet and headers if they don't exist
func (l *Ledger) InitializeSheet(ctx context.Context) error {
	if err := l.ensureSheetExists(ctx); err != nil {
		return err
	}

	readRange := fmt.Sprintf("%s!A1:%s1", l.sheetName, lastColumn)
	resp, err := l.service.Spreadsheets.Values.Get(l.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	headerRow := make([]interface{}, 0, len(SheetColumns))
	for _, col := range SheetColumns {
		headerRow = append(headerRow, col)
	}
	_, err = l.service.Spreadsheets.Values.Update(l.spreadsheetID, l.sheetName+"!A1", &sheets.ValueRange{
		Values: [][]interface{}{headerRow},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	l.log.Info().Str("sheet", l.sheetName).Msg("Ledger headers initialized")
	return nil
}

func (l *Ledger) ensureSheetExists(ctx context.Context) error {
	spreadsheet, err := l.service.Spreadsheets.Get(l.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == l.sheetName {
			return nil
		}
	}

	l.log.Info().Str("sheet", l.sheetName).Msg("Creating ledger sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: l.sheetName},
			},
		}},
	}
	if _, err := l.service.Spreadsheets.BatchUpdate(l.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

// RecordPost appends the post's outcome. Failures are logged; the ledger never
// blocks a transition.
func (l *Ledger) RecordPost(ctx context.Context, post *models.Post) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := l.Append(ctx, l.entryFor(post)); err != nil {
		l.log.WithPostID(post.ID).Warn().Err(err).Msg("Failed to record post in ledger")
	}
}

// Append writes one row
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	row := []interface{}{
		e.PostID,
		e.AgentID,
		e.Platform,
		string(e.Status),
		string(e.Format),
		formatTime(e.ScheduledFor),
		formatTime(e.PostedAt),
		e.PlatformPostID,
		e.PostURL,
		e.Error,
		e.ContentPreview,
		formatTime(e.RecordedAt),
	}

	appendRange := fmt.Sprintf("%s!A:%s", l.sheetName, lastColumn)
	_, err := l.service.Spreadsheets.Values.Append(l.spreadsheetID, appendRange, &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	return nil
}

// Entries reads every ledger row below the header
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	readRange := fmt.Sprintf("%s!A2:%s", l.sheetName, lastColumn)
	resp, err := l.service.Spreadsheets.Values.Get(l.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	entries := make([]Entry, 0, len(resp.Values))
	for _, row := range resp.Values {
		if e, ok := parseRow(row); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (l *Ledger) entryFor(post *models.Post) Entry {
	e := Entry{
		PostID:         post.ID,
		AgentID:        post.AgentID,
		Platform:       post.Platform,
		Status:         post.Status,
		Format:         post.Format,
		ScheduledFor:   post.ScheduledFor,
		PlatformPostID: post.PlatformPostID,
		PostURL:        PostURL(post.Platform, post.PlatformPostID),
		Error:          post.ErrorMessage,
		ContentPreview: preview(post.Content),
		RecordedAt:     l.now(),
	}
	if post.PostedAt != nil {
		e.PostedAt = *post.PostedAt
	}
	return e
}

// PostURL builds the public link of a published post
func PostURL(platform, platformPostID string) string {
	if platformPostID == "" {
		return ""
	}
	switch platform {
	case models.PlatformLinkedIn:
		return "https://www.linkedin.com/feed/update/" + platformPostID
	case models.PlatformTwitter:
		return "https://x.com/i/web/status/" + platformPostID
	default:
		return ""
	}
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}

func parseRow(row []interface{}) (Entry, bool) {
	if len(row) == 0 {
		return Entry{}, false
	}
	get := func(i int) string {
		if i < len(row) {
			return fmt.Sprintf("%v", row[i])
		}
		return ""
	}
	getTime := func(i int) time.Time {
		t, _ := time.Parse(time.RFC3339, get(i))
		return t
	}

	return Entry{
		PostID:         get(0),
		AgentID:        get(1),
		Platform:       get(2),
		Status:         models.PostStatus(get(3)),
		Format:         models.PostFormat(get(4)),
		ScheduledFor:   getTime(5),
		PostedAt:       getTime(6),
		PlatformPostID: get(7),
		PostURL:        get(8),
		Error:          get(9),
		ContentPreview: get(10),
		RecordedAt:     getTime(11),
	}, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
