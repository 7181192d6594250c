package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
)

type fakeLeadSource struct {
	records [][]map[string]interface{}
	fields  [][]string
	limits  []int
	queries int
	err     error
}

func (f *fakeLeadSource) RecentlyModifiedLeads(_ context.Context, fields []string, limit int) ([]map[string]interface{}, error) {
	f.queries++
	f.fields = append(f.fields, fields)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.records) == 0 {
		return nil, nil
	}
	batch := f.records[0]
	f.records = f.records[1:]
	return batch, nil
}

var _ LeadSource = (*fakeLeadSource)(nil)

func leadRecord() map[string]interface{} {
	return map[string]interface{}{
		"Id":                     "00Q5f000001abcDE",
		"FirstName":              "Maya",
		"LastName":               "Schmidt",
		"Email":                  "maya.schmidt@uni-hamburg.de",
		"Phone":                  "+4915112345678",
		"LeadStatus":             "inquiry",
		"Program_of_Interest__c": "MBA",
		"CreatedDate":            "2025-05-01T09:00:00.000+0000",
		"LastModifiedDate":       "2025-06-01T10:00:00.000+0000",
		"Company":                "Self",
		"attributes":             map[string]interface{}{"type": "Lead"},
	}
}

func newSalesforce(t *testing.T, pub *fakePublisher, leads *fakeLeadSource, cfg config.SalesforceConfig) *Salesforce {
	t.Helper()
	return NewSalesforce(zaptest.NewLogger(t), pub, leads, cfg)
}

func TestSalesforce_PollPublishesMappedLeads(t *testing.T) {
	leads := &fakeLeadSource{records: [][]map[string]interface{}{{leadRecord()}}}
	pub := &fakePublisher{}
	s := newSalesforce(t, pub, leads, config.SalesforceConfig{DailyAPILimit: 100})

	require.Equal(t, "salesforce", s.Name())
	require.NoError(t, s.poll(context.Background()))

	require.Len(t, pub.records, 1)
	assert.Equal(t, events.TopicRawCRM, pub.records[0].topic)
	assert.Equal(t, "00Q5f000001abcDE", pub.records[0].key)

	ev, ok := pub.records[0].payload.(event.CanonicalEvent)
	require.True(t, ok)
	assert.Equal(t, "crm.lead.changed", ev.EventType)
	assert.Equal(t, event.SourceCRM, ev.Source)
	assert.Equal(t, "00Q5f000001abcDE", ev.StudentID)
	assert.False(t, ev.Timestamp.IsZero())

	mapped := ev.NormalizedData
	assert.Equal(t, "00Q5f000001abcDE", mapped["salesforce_id"])
	assert.Equal(t, "Maya", mapped["first_name"])
	assert.Equal(t, "Schmidt", mapped["last_name"])
	assert.Equal(t, "maya.schmidt@uni-hamburg.de", mapped["email"])
	assert.Equal(t, "inquiry", mapped["enrollment_status"])
	assert.Equal(t, "MBA", mapped["program_interest"])
	assert.Equal(t, "2025-05-01T09:00:00.000+0000", mapped["sf_created_at"])
	assert.Equal(t, "Self", mapped["sf_Company"])
	assert.NotContains(t, mapped, "attributes")
	assert.NotContains(t, mapped, "sf_attributes")

	// The verbatim record survives for audit, envelope included.
	assert.Contains(t, ev.RawData, "attributes")
}

func TestSalesforce_QueryShape(t *testing.T) {
	leads := &fakeLeadSource{}
	s := newSalesforce(t, &fakePublisher{}, leads, config.SalesforceConfig{DailyAPILimit: 100})

	require.NoError(t, s.poll(context.Background()))

	require.Len(t, leads.fields, 1)
	assert.Equal(t, []string{
		"CreatedDate",
		"Email",
		"FirstName",
		"Id",
		"LastModifiedDate",
		"LastName",
		"LeadStatus",
		"Phone",
		"Program_of_Interest__c",
	}, leads.fields[0])
	assert.Equal(t, []int{200}, leads.limits)
}

func TestSalesforce_DailyBudget(t *testing.T) {
	s := newSalesforce(t, &fakePublisher{}, &fakeLeadSource{}, config.SalesforceConfig{DailyAPILimit: 2})

	require.NoError(t, s.consumeBudget())
	require.NoError(t, s.consumeBudget())

	err := s.consumeBudget()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
	assert.Contains(t, err.Error(), "daily API limit")

	// A new UTC day rolls the window and resets the counter.
	s.window = s.window.Add(-24 * time.Hour)
	require.NoError(t, s.consumeBudget())
	assert.Equal(t, 1, s.calls)
}

func TestSalesforce_BudgetExhaustionPausesPolling(t *testing.T) {
	leads := &fakeLeadSource{records: [][]map[string]interface{}{{leadRecord()}}}
	pub := &fakePublisher{}
	s := newSalesforce(t, pub, leads, config.SalesforceConfig{
		PollInterval:  time.Millisecond,
		DailyAPILimit: 1,
	})
	// Let the budget, not the limiter, be the binding constraint.
	s.limiter = rate.NewLimiter(rate.Inf, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// One query spent the budget; the exhausted poller paused instead
	// of querying again every interval.
	assert.Equal(t, 1, leads.queries)
	assert.Len(t, pub.records, 1)
}

func TestSalesforce_ImportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.csv")
	csvBody := "Id,Email,FirstName,Company\n" +
		"00Q1,ana@example.edu,Ana,Self\n" +
		"00Q2,liu@example.edu,Liu,Acme\n"
	require.NoError(t, os.WriteFile(path, []byte(csvBody), 0o600))

	pub := &fakePublisher{}
	s := newSalesforce(t, pub, &fakeLeadSource{}, config.SalesforceConfig{DailyAPILimit: 10})

	count, err := s.ImportCSV(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, pub.records, 2)

	assert.Equal(t, events.TopicRawCRM, pub.records[0].topic)
	assert.Equal(t, "00Q1", pub.records[0].key)

	ev := pub.records[0].payload.(event.CanonicalEvent)
	assert.Equal(t, "crm.lead.csv_import", ev.EventType)
	assert.Equal(t, "00Q1", ev.StudentID)
	assert.Equal(t, "ana@example.edu", ev.NormalizedData["email"])
	assert.Equal(t, "Ana", ev.NormalizedData["first_name"])
	assert.Equal(t, "Self", ev.NormalizedData["sf_Company"])

	assert.Equal(t, "00Q2", pub.records[1].key)
}

func TestSalesforce_ImportCSVMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(path, []byte("Id,FirstName\n00Q1,Ana\n"), 0o600))

	s := newSalesforce(t, &fakePublisher{}, &fakeLeadSource{}, config.SalesforceConfig{DailyAPILimit: 10})

	_, err := s.ImportCSV(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Email")
}

func TestSalesforce_ImportCSVMissingFile(t *testing.T) {
	s := newSalesforce(t, &fakePublisher{}, &fakeLeadSource{}, config.SalesforceConfig{DailyAPILimit: 10})

	_, err := s.ImportCSV(context.Background(), filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
}
