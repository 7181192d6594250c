package erasure

import (
	"context"
	"time"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// fakeRowStore fails its first `failures` delete attempts, then succeeds
// reporting `affected` rows. Counts report `residual`.
type fakeRowStore struct {
	affected int64
	residual int64
	failures int
	calls    int
	countErr error
}

func (f *fakeRowStore) DeleteByStudent(ctx context.Context, studentID string) (int64, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.failures > 0 {
		f.failures--
		return 0, errors.NewTransientError("STORE_DOWN", "deadline exceeded")
	}
	return f.affected, nil
}

func (f *fakeRowStore) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.residual, nil
}

type fakeConsentStore struct {
	affected int64
	residual int64
	failures int
	calls    int
}

func (f *fakeConsentStore) Delete(ctx context.Context, studentID string) (int64, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.NewTransientError("STORE_DOWN", "deadline exceeded")
	}
	return f.affected, nil
}

func (f *fakeConsentStore) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	return f.residual, nil
}

type fakeFeatureStore struct {
	failures int
	calls    int
	entities [][2]string
}

func (f *fakeFeatureStore) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.NewTransientError("STORE_DOWN", "deadline exceeded")
	}
	f.entities = append(f.entities, [2]string{entityType, entityID})
	return nil
}

type fakeTombstoner struct {
	failures int
	calls    int
	topics   []string
	keys     []string
}

func (f *fakeTombstoner) PublishTombstones(ctx context.Context, studentID string, topics []string) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.NewTransientError("PUBLISH_EXHAUSTED", "broker unavailable")
	}
	f.topics = append([]string(nil), topics...)
	f.keys = append(f.keys, studentID)
	return nil
}

type fakeCRM struct {
	salesforceID string
	deleteCalls  int
	failures     int
	deleted      []string
}

func (f *fakeCRM) SalesforceID(ctx context.Context, studentID string) (string, error) {
	if f.salesforceID == "" {
		return "", errors.NewNotFoundError("crm mapping")
	}
	return f.salesforceID, nil
}

func (f *fakeCRM) Delete(ctx context.Context, studentID string) (int64, error) {
	f.deleteCalls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.NewTransientError("STORE_DOWN", "deadline exceeded")
	}
	f.deleted = append(f.deleted, studentID)
	if f.salesforceID == "" {
		return 0, nil
	}
	return 1, nil
}

type fakeReportStore struct {
	reports       []*DeletionReport
	verifications []*VerificationResult
	saveErr       error
}

func (f *fakeReportStore) SaveReport(ctx context.Context, report *DeletionReport) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeReportStore) SaveVerification(ctx context.Context, result *VerificationResult) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.verifications = append(f.verifications, result)
	return nil
}

// fakeAuditRepo records appended entries and assigns sequence numbers the
// way the real store does.
type fakeAuditRepo struct {
	entries   []*audit.Entry
	appendErr error
}

func (f *fakeAuditRepo) Append(ctx context.Context, entry *audit.Entry) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	previous := ""
	if n := len(f.entries); n > 0 {
		previous = f.entries[n-1].EntryHash
	}
	entry.SequenceNum = int64(len(f.entries) + 1)
	if _, err := entry.ComputeHash(previous); err != nil {
		return err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRepo) ListByStudent(ctx context.Context, studentID string) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for _, e := range f.entries {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditRepo) ListByProfile(ctx context.Context, profileID string) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for _, e := range f.entries {
		if e.ProfileID == profileID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditRepo) ListByAction(ctx context.Context, action audit.Action, from, to time.Time) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditRepo) ChainHead(ctx context.Context) (string, int64, error) {
	if len(f.entries) == 0 {
		return "", 0, nil
	}
	last := f.entries[len(f.entries)-1]
	return last.EntryHash, last.SequenceNum, nil
}

func (f *fakeAuditRepo) byAction(action audit.Action) []*audit.Entry {
	var out []*audit.Entry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
