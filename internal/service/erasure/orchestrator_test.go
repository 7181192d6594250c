package erasure

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

var testTopics = []string{"cdp.processed.interactions", "cdp.bigquery.staging", "cdp.segment.changes"}

type fixture struct {
	svc        *service
	profiles   *fakeRowStore
	consents   *fakeConsentStore
	warehouse  *fakeRowStore
	vectors    *fakeRowStore
	features   *fakeFeatureStore
	tombstones *fakeTombstoner
	crm        *fakeCRM
	reports    *fakeReportStore
	auditLog   *fakeAuditRepo
	metrics    *metrics.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		profiles:   &fakeRowStore{affected: 3},
		consents:   &fakeConsentStore{affected: 9},
		warehouse:  &fakeRowStore{affected: 6},
		vectors:    &fakeRowStore{affected: 12},
		features:   &fakeFeatureStore{},
		tombstones: &fakeTombstoner{},
		crm:        &fakeCRM{salesforceID: "003XX0000012345"},
		reports:    &fakeReportStore{},
		auditLog:   &fakeAuditRepo{},
		metrics:    metrics.NewNopRegistry(),
	}
	cfg := config.ErasureConfig{
		StepTimeout:     time.Second,
		FlushTimeout:    time.Second,
		TombstoneTopics: testTopics,
	}
	svc := NewService(zaptest.NewLogger(t), Stores{
		Profiles:   f.profiles,
		Consents:   f.consents,
		Warehouse:  f.warehouse,
		Vectors:    f.vectors,
		Features:   f.features,
		Tombstones: f.tombstones,
		CRM:        f.crm,
	}, f.reports, f.auditLog, f.metrics, cfg)
	f.svc = svc.(*service)
	f.svc.backoffUnit = time.Millisecond
	return f
}

func TestDeleteStudent_FullCascade(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.DeleteStudent(context.Background(), "STU-7")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.FullyDeleted)
	assert.Empty(t, report.FailedStores())
	assert.False(t, report.CompletedAt.IsZero())

	var order []string
	for _, sr := range report.StoreResults {
		order = append(order, sr.Store)
		assert.True(t, sr.Deleted, "store %s must confirm deletion", sr.Store)
		assert.Empty(t, sr.Error)
	}
	assert.Equal(t, []string{
		StorePostgres, StoreBigQuery, StorePinecone,
		StoreVertexAI, StoreKafka, StoreSalesforce,
	}, order)

	// Primary-store count folds profile and consent rows together.
	assert.Equal(t, int64(12), report.StoreResults[0].RecordsAffected)
	assert.Equal(t, int64(3), report.StoreResults[4].RecordsAffected, "one tombstone per topic")

	assert.Equal(t, [][2]string{{"student", "STU-7"}}, f.features.entities)
	assert.Equal(t, testTopics, f.tombstones.topics)
	assert.Equal(t, []string{"STU-7"}, f.crm.deleted)

	require.Len(t, f.reports.reports, 1)
	assert.Same(t, report, f.reports.reports[0])

	chained := f.auditLog.byAction(audit.ActionErasureReport)
	require.Len(t, chained, 1)
	assert.Equal(t, "STU-7", chained[0].StudentID)
	assert.Equal(t, true, chained[0].Details["fully_deleted"])

	for _, store := range order {
		assert.Equal(t, float64(1), testutil.ToFloat64(
			f.metrics.ErasureStoreDeletes.WithLabelValues(store, metrics.OutcomeSuccess)),
			"success metric for %s", store)
	}
}

func TestDeleteStudent_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.warehouse.failures = 2

	report, err := f.svc.DeleteStudent(context.Background(), "STU-7")
	require.NoError(t, err)

	assert.True(t, report.FullyDeleted)
	assert.Equal(t, 3, f.warehouse.calls, "third attempt must succeed")
	assert.True(t, report.StoreResults[1].Deleted)
}

func TestDeleteStudent_PartialFailureSurfaced(t *testing.T) {
	f := newFixture(t)
	f.vectors.failures = maxStoreAttempts

	report, err := f.svc.DeleteStudent(context.Background(), "STU-7")
	require.Error(t, err)
	require.NotNil(t, report, "the report must survive a partial failure")

	assert.Equal(t, "PARTIAL_ERASURE", errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, report.FullyDeleted)
	assert.Equal(t, []string{StorePinecone}, report.FailedStores())

	pinecone := report.StoreResults[2]
	assert.False(t, pinecone.Deleted)
	assert.Equal(t, "max retries exceeded", pinecone.Error)

	// The cascade keeps going past a failed store.
	assert.Equal(t, 1, f.features.calls)
	assert.Equal(t, 1, f.tombstones.calls)
	assert.Equal(t, 1, f.crm.deleteCalls)

	// The report is still audited and persisted for remediation.
	require.Len(t, f.reports.reports, 1)
	require.Len(t, f.auditLog.byAction(audit.ActionErasureReport), 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.ErasureStoreDeletes.WithLabelValues(StorePinecone, metrics.OutcomeFailure)))
}

func TestDeleteStudent_AuditBeforeReport(t *testing.T) {
	f := newFixture(t)
	f.auditLog.appendErr = errors.NewInternalError("chain head locked")

	report, err := f.svc.DeleteStudent(context.Background(), "STU-7")
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Empty(t, f.reports.reports, "report must not persist without its audit entry")
}

func TestDeleteStudent_RequiresStudentID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteStudent(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Zero(t, f.profiles.calls)
}

func TestVerifyDeletion(t *testing.T) {
	t.Run("all clear after a clean cascade", func(t *testing.T) {
		f := newFixture(t)

		result, err := f.svc.VerifyDeletion(context.Background(), "STU-7")
		require.NoError(t, err)

		assert.True(t, result.AllClear)
		assert.Equal(t, map[string]bool{
			StorePostgres: true,
			StoreBigQuery: true,
			StorePinecone: true,
		}, result.StoreChecks)

		require.Len(t, f.reports.verifications, 1)
		chained := f.auditLog.byAction(audit.ActionErasureVerified)
		require.Len(t, chained, 1)
		assert.Equal(t, true, chained[0].Details["all_clear"])
	})

	t.Run("residual rows fail the check but are still audited", func(t *testing.T) {
		f := newFixture(t)
		f.profiles.residual = 2

		result, err := f.svc.VerifyDeletion(context.Background(), "STU-7")
		require.NoError(t, err)

		assert.False(t, result.AllClear)
		assert.False(t, result.StoreChecks[StorePostgres])
		assert.True(t, result.StoreChecks[StoreBigQuery])

		chained := f.auditLog.byAction(audit.ActionErasureVerified)
		require.Len(t, chained, 1)
		assert.Equal(t, false, chained[0].Details["all_clear"])
	})

	t.Run("query failure propagates before auditing", func(t *testing.T) {
		f := newFixture(t)
		f.warehouse.countErr = errors.NewTransientError("STORE_DOWN", "deadline exceeded")

		_, err := f.svc.VerifyDeletion(context.Background(), "STU-7")
		require.Error(t, err)
		assert.Empty(t, f.auditLog.entries)
		assert.Empty(t, f.reports.verifications)
	})
}

func TestDeleteStudent_ScenarioCascade(t *testing.T) {
	// End-to-end shape: delete then verify, everything clear.
	f := newFixture(t)

	report, err := f.svc.DeleteStudent(context.Background(), "STU-7")
	require.NoError(t, err)
	require.True(t, report.FullyDeleted)

	result, err := f.svc.VerifyDeletion(context.Background(), "STU-7")
	require.NoError(t, err)
	assert.True(t, result.AllClear)

	// Report then verification, one chain, verifiable end to end.
	require.Len(t, f.auditLog.entries, 2)
	ok, err := audit.VerifyChain(f.auditLog.entries)
	require.NoError(t, err)
	assert.True(t, ok)
}
