package connector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
)

const (
	// cdcQueryLimit bounds one poll; recently-modified leads beyond it
	// are picked up by the next poll.
	cdcQueryLimit = 200

	// budgetPausePeriod is how long polling pauses once the daily API
	// budget is exhausted.
	budgetPausePeriod = time.Hour

	defaultDailyAPILimit = 100000
)

// DefaultLeadFieldMap translates Salesforce Lead field API names into
// unified schema names. Unmapped fields are carried with an sf_ prefix;
// the REST envelope's attributes key is dropped.
func DefaultLeadFieldMap() map[string]string {
	return map[string]string{
		"Id":                     "salesforce_id",
		"FirstName":              "first_name",
		"LastName":               "last_name",
		"Email":                  "email",
		"Phone":                  "phone",
		"LeadStatus":             "enrollment_status",
		"Program_of_Interest__c": "program_interest",
		"CreatedDate":            "sf_created_at",
		"LastModifiedDate":       "sf_modified_at",
	}
}

// LeadSource queries recently modified Lead records from the CRM.
type LeadSource interface {
	RecentlyModifiedLeads(ctx context.Context, fields []string, limit int) ([]map[string]interface{}, error)
}

// Salesforce polls the CRM for recently changed leads and publishes
// crm.lead.changed events to cdp.raw.crm. A bulk CSV import path shares
// the same field mapping. API usage is smoothed with a rate limiter and
// hard-capped by a daily budget; exhausting the budget pauses polling
// for budgetPausePeriod.
type Salesforce struct {
	logger      *zap.Logger
	publisher   Publisher
	leads       LeadSource
	cfg         config.SalesforceConfig
	fieldMap    map[string]string
	limiter     *rate.Limiter
	pausePeriod time.Duration
	dailyLimit  int

	window time.Time
	calls  int
}

// NewSalesforce builds the Salesforce connector.
func NewSalesforce(logger *zap.Logger, publisher Publisher, leads LeadSource, cfg config.SalesforceConfig) *Salesforce {
	limit := cfg.DailyAPILimit
	if limit <= 0 {
		limit = defaultDailyAPILimit
	}
	return &Salesforce{
		logger:      logger,
		publisher:   publisher,
		leads:       leads,
		cfg:         cfg,
		fieldMap:    DefaultLeadFieldMap(),
		limiter:     rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(limit)), 1),
		pausePeriod: budgetPausePeriod,
		dailyLimit:  limit,
		window:      time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Name implements Connector.
func (s *Salesforce) Name() string { return "salesforce" }

// Run implements Connector.
func (s *Salesforce) Run(ctx context.Context) error {
	s.logger.Info("salesforce connector started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("daily_api_limit", s.dailyLimit))

	for {
		delay := s.cfg.PollInterval
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("salesforce connector stopped")
				return nil
			}
			if errors.IsType(err, errors.ErrorTypeRateLimit) {
				s.logger.Error("salesforce API budget exhausted, pausing polling",
					zap.Duration("pause", s.pausePeriod))
				delay = s.pausePeriod
			} else {
				s.logger.Error("cdc poll failed", zap.Error(err))
			}
		}
		if !sleepCtx(ctx, delay) {
			s.logger.Info("salesforce connector stopped")
			return nil
		}
	}
}

func (s *Salesforce) poll(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.consumeBudget(); err != nil {
		return err
	}

	records, err := s.leads.RecentlyModifiedLeads(ctx, s.queryFields(), cdcQueryLimit)
	if err != nil {
		return fmt.Errorf("querying recent leads: %w", err)
	}

	for _, record := range records {
		mapped := mapLeadFields(record, s.fieldMap)
		ev := event.New("crm.lead.changed", event.SourceCRM, time.Time{})
		ev.StudentID = asString(mapped["salesforce_id"])
		ev.RawData = record
		ev.NormalizedData = mapped

		if err := s.publisher.Publish(ctx, events.TopicRawCRM, ev.StudentID, ev); err != nil {
			s.logger.Error("crm lead publish failed",
				zap.String("salesforce_id", ev.StudentID),
				zap.Error(err))
		}
	}

	s.logger.Info("cdc poll complete", zap.Int("records", len(records)))
	return nil
}

// consumeBudget counts one API call against the daily budget. The
// window resets at midnight UTC.
func (s *Salesforce) consumeBudget() error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(s.window) {
		s.window = today
		s.calls = 0
	}
	if s.calls >= s.dailyLimit {
		return errors.NewRateLimitError(
			fmt.Sprintf("salesforce daily API limit reached (%d)", s.dailyLimit))
	}
	s.calls++
	return nil
}

func (s *Salesforce) queryFields() []string {
	fields := make([]string, 0, len(s.fieldMap))
	for f := range s.fieldMap {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ImportCSV reads a Salesforce-exported CSV and publishes one
// crm.lead.csv_import event per row, keyed by the lead's Salesforce ID.
// It returns the number of rows published.
func (s *Salesforce) ImportCSV(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("reading csv header: %w", err)
	}

	columns := make(map[string]bool, len(header))
	for _, col := range header {
		columns[col] = true
	}
	var missing []string
	for _, required := range []string{"Id", "Email"} {
		if !columns[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return 0, errors.NewValidationError("CSV_MISSING_COLUMNS",
			fmt.Sprintf("csv missing required columns: %s", strings.Join(missing, ", ")))
	}

	published := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return published, fmt.Errorf("reading csv row: %w", err)
		}

		record := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}

		mapped := mapLeadFields(record, s.fieldMap)
		ev := event.New("crm.lead.csv_import", event.SourceCRM, time.Time{})
		ev.StudentID = asString(mapped["salesforce_id"])
		ev.RawData = record
		ev.NormalizedData = mapped

		if err := s.publisher.Publish(ctx, events.TopicRawCRM, ev.StudentID, ev); err != nil {
			return published, fmt.Errorf("publishing csv row %d: %w", published+1, err)
		}
		published++
	}

	s.logger.Info("csv import complete",
		zap.String("file", filepath.Base(path)),
		zap.Int("published", published))
	return published, nil
}

func mapLeadFields(record map[string]interface{}, fieldMap map[string]string) map[string]interface{} {
	mapped := make(map[string]interface{}, len(record))
	for sfKey, cdpKey := range fieldMap {
		if v, ok := record[sfKey]; ok {
			mapped[cdpKey] = v
		}
	}
	// Unmapped fields survive under a namespace prefix so nothing the
	// CRM sends is silently lost.
	for key, value := range record {
		if _, known := fieldMap[key]; known || key == "attributes" {
			continue
		}
		mapped["sf_"+key] = value
	}
	return mapped
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
