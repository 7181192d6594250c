package consent

import (
	"context"
	"time"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/consent"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// fakeLedger is an in-memory consent repository. Apply mirrors the real
// transactional contract: the audit row and the channel state land together
// or not at all.
type fakeLedger struct {
	records     map[string]*consent.Record
	changes     []consent.Change
	applyErr    error
	getErr      error
	getCalls    int
	bulkCalls   int
	lastBulkIDs []string
	deleted     []string
}

var _ consent.Repository = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*consent.Record)}
}

func (f *fakeLedger) Get(ctx context.Context, studentID string) (*consent.Record, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	record, ok := f.records[studentID]
	if !ok {
		return nil, errors.NewNotFoundError("consent record")
	}
	copied := consent.NewRecord(studentID)
	for ch, state := range record.Channels {
		copied.Set(ch, state)
	}
	return copied, nil
}

func (f *fakeLedger) Apply(ctx context.Context, change consent.Change, state consent.ChannelState) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.changes = append(f.changes, change)
	record, ok := f.records[change.StudentID]
	if !ok {
		record = consent.NewRecord(change.StudentID)
		f.records[change.StudentID] = record
	}
	record.Set(change.Channel, state)
	return nil
}

func (f *fakeLedger) History(ctx context.Context, studentID string) ([]consent.Change, error) {
	var out []consent.Change
	for _, c := range f.changes {
		if c.StudentID == studentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeLedger) Delete(ctx context.Context, studentID string) (int64, error) {
	f.deleted = append(f.deleted, studentID)
	var n int64
	if record, ok := f.records[studentID]; ok {
		n = int64(len(record.Channels))
		delete(f.records, studentID)
	}
	kept := f.changes[:0]
	for _, c := range f.changes {
		if c.StudentID == studentID {
			n++
			continue
		}
		kept = append(kept, c)
	}
	f.changes = kept
	return n, nil
}

func (f *fakeLedger) BulkConsented(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error) {
	f.bulkCalls++
	f.lastBulkIDs = studentIDs
	result := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		result[id] = false
		if record, ok := f.records[id]; ok {
			result[id] = record.ConsentedTo(ch)
		}
	}
	return result, nil
}

func (f *fakeLedger) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	var n int64
	if record, ok := f.records[studentID]; ok {
		n = int64(len(record.Channels))
	}
	for _, c := range f.changes {
		if c.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

// changesFor filters the audit trail by student and channel.
func (f *fakeLedger) changesFor(studentID string, ch consent.Channel) []consent.Change {
	var out []consent.Change
	for _, c := range f.changes {
		if c.StudentID == studentID && c.Channel == ch {
			out = append(out, c)
		}
	}
	return out
}

// fakeCache is an in-memory consent cache with call accounting.
type fakeCache struct {
	entries     map[string]bool
	hits        int
	misses      int
	sets        int
	bulkGets    int
	bulkSets    int
	invalidated []string
	getErr      error
	setErr      error
	bulkGetErr  error
	bulkSetErr  error
	invErr      error
}

var _ consent.Cache = (*fakeCache)(nil)

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]bool)}
}

func cacheKey(studentID string, ch consent.Channel) string {
	return studentID + ":" + ch.String()
}

func (f *fakeCache) GetConsent(ctx context.Context, studentID string, ch consent.Channel) (bool, bool, error) {
	if f.getErr != nil {
		return false, false, f.getErr
	}
	consented, ok := f.entries[cacheKey(studentID, ch)]
	if ok {
		f.hits++
	} else {
		f.misses++
	}
	return consented, ok, nil
}

func (f *fakeCache) SetConsent(ctx context.Context, studentID string, ch consent.Channel, consented bool, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	f.entries[cacheKey(studentID, ch)] = consented
	return nil
}

func (f *fakeCache) BulkGetConsent(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error) {
	if f.bulkGetErr != nil {
		return nil, f.bulkGetErr
	}
	f.bulkGets++
	result := make(map[string]bool)
	for _, id := range studentIDs {
		if consented, ok := f.entries[cacheKey(id, ch)]; ok {
			result[id] = consented
			f.hits++
		} else {
			f.misses++
		}
	}
	return result, nil
}

func (f *fakeCache) BulkSetConsent(ctx context.Context, flags map[string]bool, ch consent.Channel, ttl time.Duration) error {
	if f.bulkSetErr != nil {
		return f.bulkSetErr
	}
	f.bulkSets++
	for id, consented := range flags {
		f.entries[cacheKey(id, ch)] = consented
	}
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context, studentID string) error {
	if f.invErr != nil {
		return f.invErr
	}
	f.invalidated = append(f.invalidated, studentID)
	prefix := studentID + ":"
	for key := range f.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(f.entries, key)
		}
	}
	return nil
}

// fakeAuditRepo records appended entries and assigns sequence numbers the
// way the real store does.
type fakeAuditRepo struct {
	entries   []*audit.Entry
	appendErr error
}

var _ audit.Repository = (*fakeAuditRepo)(nil)

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
