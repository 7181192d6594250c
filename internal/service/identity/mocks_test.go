package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// fakeProfileRepo is an in-memory profile.Repository. The deterministic
// index (byIdentifier) and the candidate list are populated independently so
// tests can model store states where the exact-match index misses while the
// value search still finds rows.
type fakeProfileRepo struct {
	profiles     map[string]*profile.Profile
	byIdentifier map[string]string
	candidates   []*profile.Profile

	findByIdentCalls int
	created          []*profile.Profile
	deleted          []string

	updateConflicts int
	updateCalls     int
}

func newFakeProfileRepo() *fakeProfileRepo {
	return &fakeProfileRepo{
		profiles:     make(map[string]*profile.Profile),
		byIdentifier: make(map[string]string),
	}
}

func (f *fakeProfileRepo) add(p *profile.Profile) {
	f.profiles[p.ID] = p
	for _, id := range p.Identifiers {
		f.byIdentifier[identKey(id.Type, id.Value)] = p.ID
	}
}

func identKey(t event.IdentifierType, value string) string {
	return fmt.Sprintf("%s:%s", t, value)
}

func (f *fakeProfileRepo) GetByID(ctx context.Context, profileID string) (*profile.Profile, error) {
	p, ok := f.profiles[profileID]
	if !ok {
		return nil, errors.NewNotFoundError("profile")
	}
	clone := *p
	return &clone, nil
}

func (f *fakeProfileRepo) FindByIdentifier(ctx context.Context, t event.IdentifierType, value string) (*profile.Profile, error) {
	f.findByIdentCalls++
	id, ok := f.byIdentifier[identKey(t, value)]
	if !ok {
		return nil, errors.NewNotFoundError("profile")
	}
	return f.profiles[id], nil
}

func (f *fakeProfileRepo) FindCandidatesByValues(ctx context.Context, values []string) ([]*profile.Profile, error) {
	return f.candidates, nil
}

func (f *fakeProfileRepo) Create(ctx context.Context, p *profile.Profile) error {
	f.created = append(f.created, p)
	f.add(p)
	return nil
}

func (f *fakeProfileRepo) Update(ctx context.Context, p *profile.Profile) error {
	f.updateCalls++
	if f.updateConflicts > 0 {
		f.updateConflicts--
		return errors.NewOptimisticLockError("profile was modified concurrently")
	}
	p.Version++
	stored := *p
	f.profiles[p.ID] = &stored
	return nil
}

func (f *fakeProfileRepo) Delete(ctx context.Context, profileID string) error {
	if _, ok := f.profiles[profileID]; !ok {
		return errors.NewNotFoundError("profile")
	}
	delete(f.profiles, profileID)
	f.deleted = append(f.deleted, profileID)
	return nil
}

func (f *fakeProfileRepo) DeleteByStudent(ctx context.Context, studentID string) (int64, error) {
	var n int64
	for id, p := range f.profiles {
		if p.StudentID == studentID {
			delete(f.profiles, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeProfileRepo) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	var n int64
	for _, p := range f.profiles {
		if p.StudentID == studentID {
			n++
		}
	}
	return n, nil
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

// fakeConsentMerger records ledger merge calls.
type fakeConsentMerger struct {
	calls [][2]string
	err   error
}

func (f *fakeConsentMerger) MergeConsent(ctx context.Context, primaryStudentID, secondaryStudentID string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, [2]string{primaryStudentID, secondaryStudentID})
	return nil
}
