package version

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

func newMemoryLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(time.Second)
	return NewLedger(storage.NewMemoryTransactor(), store, opts...), store
}

func createDoc(t *testing.T, l *Ledger, number string) model.VersionedEntity {
	t.Helper()
	e, _, err := l.CreateInitial(context.Background(), NewEntity{
		Kind:   "document",
		Number: number,
		Title:  "Sample receipt procedure",
	}, "user-alice", "")
	if err != nil {
		t.Fatalf("CreateInitial() error = %v", err)
	}
	return e
}

// --- CreateInitial ---

func TestCreateInitial(t *testing.T) {
	l, _ := newMemoryLedger(t)

	e, rev, err := l.CreateInitial(context.Background(), NewEntity{
		Kind:   "document",
		Number: "QSF-2025-001",
	}, "user-alice", "")
	if err != nil {
		t.Fatalf("CreateInitial() error = %v", err)
	}

	if e.Version().String() != "1.0" {
		t.Errorf("version = %s, want 1.0", e.Version())
	}
	if e.Status != model.StatusDraft {
		t.Errorf("status = %s, want Draft", e.Status)
	}
	if e.Owner != "user-alice" {
		t.Errorf("owner = %q, want creator", e.Owner)
	}
	if e.ID == "" {
		t.Error("ID not assigned")
	}
	if rev.RevisionNumber != 1 || rev.Version() != model.InitialVersion || rev.EntityID != e.ID {
		t.Errorf("first revision = %+v", rev)
	}
	if rev.ChangeDescription != InitialDescription {
		t.Errorf("description = %q", rev.ChangeDescription)
	}

	hist, err := l.History(context.Background(), e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Errorf("History() = %d revisions, want 1", len(hist))
	}
}

func TestCreateInitial_validation(t *testing.T) {
	l, _ := newMemoryLedger(t)

	_, _, err := l.CreateInitial(context.Background(), NewEntity{Kind: "document"}, "", "")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	var ee *model.ErrorEnvelope
	errors.As(err, &ee)
	if len(ee.Details) != 2 {
		t.Errorf("details = %+v, want number and created_by", ee.Details)
	}
}

func TestCreateInitial_duplicateNumberRejected(t *testing.T) {
	l, _ := newMemoryLedger(t)
	createDoc(t, l, "QSF-2025-001")

	_, _, err := l.CreateInitial(context.Background(), NewEntity{Kind: "document", Number: "QSF-2025-001"}, "user-bob", "")
	if err == nil {
		t.Fatal("duplicate number accepted")
	}
}

func TestCreateInitial_rolledBackWithOuterTransaction(t *testing.T) {
	store := NewMemoryStore(time.Second)
	tx := storage.NewMemoryTransactor()
	l := NewLedger(tx, store)
	boom := errors.New("signature write failed")

	var id string
	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		e, _, err := l.CreateInitial(ctx, NewEntity{Kind: "document", Number: "QSF-2025-002"}, "user-alice", "")
		if err != nil {
			return err
		}
		id = e.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v", err)
	}
	if _, err := l.Get(context.Background(), id); !model.IsCode(err, model.ErrEntityNotFound) {
		t.Errorf("Get() after rollback error = %v, want ENTITY_NOT_FOUND", err)
	}
	// The number is free again.
	createDoc(t, l, "QSF-2025-002")
}

// --- Revise ---

func TestRevise_majorAndMinor(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")
	ctx := context.Background()

	steps := []struct {
		major bool
		want  string
	}{
		{false, "1.1"},
		{false, "1.2"},
		{true, "2.0"},
		{false, "2.1"},
		{true, "3.0"},
	}
	for i, s := range steps {
		got, rev, err := l.Revise(ctx, e.ID, s.major, "user-bob", fmt.Sprintf("change %d", i))
		if err != nil {
			t.Fatalf("Revise() error = %v", err)
		}
		if got.Version().String() != s.want {
			t.Errorf("step %d version = %s, want %s", i, got.Version(), s.want)
		}
		if rev.RevisionNumber != i+2 {
			t.Errorf("step %d revision_number = %d, want %d", i, rev.RevisionNumber, i+2)
		}
		if rev.Version() != got.Version() {
			t.Errorf("revision version %s != entity version %s", rev.Version(), got.Version())
		}
	}

	hist, _ := l.History(ctx, e.ID)
	for i := 1; i < len(hist); i++ {
		if hist[i].PredecessorID != hist[i-1].ID {
			t.Errorf("revision %d predecessor = %q, want %q", hist[i].RevisionNumber, hist[i].PredecessorID, hist[i-1].ID)
		}
	}
}

// A 1.3 Approved entity revised as major becomes 2.0 Draft with revision
// number previous max + 1.
func TestRevise_majorFromApprovedResetsToDraft(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := l.Revise(ctx, e.ID, false, "user-alice", "minor"); err != nil {
			t.Fatal(err)
		}
	}
	effective := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if _, err := l.Mutate(ctx, e.ID, func(e *model.VersionedEntity) error {
		e.Status = model.StatusApproved
		e.EffectiveDate = &effective
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	got, rev, err := l.Revise(ctx, e.ID, true, "user-alice", "restructure")
	if err != nil {
		t.Fatalf("Revise() error = %v", err)
	}
	if got.Version().String() != "2.0" {
		t.Errorf("version = %s, want 2.0", got.Version())
	}
	if got.Status != model.StatusDraft {
		t.Errorf("status = %s, want Draft", got.Status)
	}
	if got.EffectiveDate != nil {
		t.Error("effective date should be cleared for the new draft version")
	}
	if rev.RevisionNumber != 5 {
		t.Errorf("revision_number = %d, want 5", rev.RevisionNumber)
	}

	stored, _ := l.Get(ctx, e.ID)
	if stored != got {
		t.Errorf("stored entity %+v differs from returned %+v", stored, got)
	}
}

func TestRevise_notFound(t *testing.T) {
	l, _ := newMemoryLedger(t)
	_, _, err := l.Revise(context.Background(), "missing", false, "user-alice", "x")
	if !model.IsCode(err, model.ErrEntityNotFound) {
		t.Errorf("Revise(missing) error = %v, want ENTITY_NOT_FOUND", err)
	}
}

func TestRevise_retiredEntity(t *testing.T) {
	for _, status := range []model.EntityStatus{model.StatusObsolete, model.StatusSuperseded} {
		t.Run(string(status), func(t *testing.T) {
			l, _ := newMemoryLedger(t)
			e := createDoc(t, l, "QSF-2025-001")
			if _, err := l.Mutate(context.Background(), e.ID, func(e *model.VersionedEntity) error {
				e.Status = status
				return nil
			}); err != nil {
				t.Fatal(err)
			}

			_, _, err := l.Revise(context.Background(), e.ID, true, "user-alice", "x")
			if !model.IsCode(err, model.ErrInvalidWorkflowTransition) {
				t.Errorf("Revise() error = %v, want INVALID_WORKFLOW_TRANSITION", err)
			}
			hist, _ := l.History(context.Background(), e.ID)
			if len(hist) != 1 {
				t.Errorf("History() = %d revisions, want 1", len(hist))
			}
		})
	}
}

func TestRevise_requiresReviser(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")
	if _, _, err := l.Revise(context.Background(), e.ID, false, "", "x"); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("Revise() error = %v, want BAD_REQUEST", err)
	}
}

func TestRevise_lockTimeoutIsConcurrentModification(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	tx := storage.NewMemoryTransactor()
	l := NewLedger(tx, store)
	e := createDoc(t, l, "QSF-2025-001")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = tx.InTx(context.Background(), func(ctx context.Context) error {
			if _, err := store.GetForUpdate(ctx, e.ID); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	_, _, err := l.Revise(context.Background(), e.ID, false, "user-bob", "x")
	if !model.IsCode(err, model.ErrConcurrentModification) {
		t.Errorf("Revise() error = %v, want CONCURRENT_MODIFICATION", err)
	}
}

// Random revise sequences always yield strictly increasing versions, and a
// major revise always yields minor 0.
func TestRevise_monotonicProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 25; trial++ {
		l, _ := newMemoryLedger(t)
		e := createDoc(t, l, fmt.Sprintf("QSF-2025-%03d", trial+1))
		prev := e.Version()

		for step := 0; step < 30; step++ {
			major := rng.Intn(4) == 0
			got, _, err := l.Revise(context.Background(), e.ID, major, "user-alice", "")
			require.NoError(t, err)
			require.True(t, prev.Less(got.Version()), "%s !< %s", prev, got.Version())
			if major {
				require.Equal(t, 0, got.MinorVersion)
			}
			prev = got.Version()
		}
	}
}

// Concurrent revisions of one entity get distinct, contiguous revision
// numbers, unaffected by revisions of other entities.
func TestRevise_concurrentRevisionNumbering(t *testing.T) {
	l, _ := newMemoryLedger(t)
	a := createDoc(t, l, "QSF-2025-001")
	b := createDoc(t, l, "QSF-2025-002")

	const n = 40
	var mu sync.Mutex
	nums := map[string][]int{}

	var eg errgroup.Group
	for i := 0; i < n; i++ {
		for _, id := range []string{a.ID, b.ID} {
			eg.Go(func() error {
				_, rev, err := l.Revise(context.Background(), id, i%5 == 0, "user-alice", "")
				if err != nil {
					return err
				}
				mu.Lock()
				nums[id] = append(nums[id], rev.RevisionNumber)
				mu.Unlock()
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())

	for _, id := range []string{a.ID, b.ID} {
		hist, err := l.History(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, hist, n+1)
		for i, r := range hist {
			require.Equal(t, i+1, r.RevisionNumber)
			if i > 0 {
				require.True(t, hist[i-1].Version().Less(r.Version()))
			}
		}
		require.ElementsMatch(t, seq(2, n+1), nums[id])
	}
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestRevise_metrics(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	l, _ := newMemoryLedger(t, WithMetrics(m))
	e := createDoc(t, l, "QSF-2025-001")

	_, _, _ = l.Revise(context.Background(), e.ID, true, "user-alice", "")
	_, _, _ = l.Revise(context.Background(), e.ID, false, "user-alice", "")

	for _, typ := range []string{"initial", "major", "minor"} {
		if got := testutil.ToFloat64(m.RevisionsTotal.WithLabelValues("document", typ)); got != 1 {
			t.Errorf("revisions{document,%s} = %v, want 1", typ, got)
		}
	}
}

// --- Mutate ---

func TestMutate_rejectsVersionChange(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")

	_, err := l.Mutate(context.Background(), e.ID, func(e *model.VersionedEntity) error {
		e.MajorVersion = 7
		return nil
	})
	if err == nil {
		t.Fatal("Mutate() allowed a version change")
	}
	got, _ := l.Get(context.Background(), e.ID)
	if got.Version() != model.InitialVersion {
		t.Errorf("version = %s after refused mutate", got.Version())
	}
}

func TestMutate_fnErrorLeavesEntityUnchanged(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")
	refused := model.NewInvalidTransitionError("Draft", "mark_effective")

	_, err := l.Mutate(context.Background(), e.ID, func(e *model.VersionedEntity) error {
		e.Status = model.StatusEffective
		return refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("Mutate() error = %v", err)
	}
	got, _ := l.Get(context.Background(), e.ID)
	if got.Status != model.StatusDraft || got.RowVersion != e.RowVersion {
		t.Errorf("entity changed: %+v", got)
	}
}

func TestMutate_noChangeSkipsWrite(t *testing.T) {
	l, _ := newMemoryLedger(t)
	e := createDoc(t, l, "QSF-2025-001")

	got, err := l.Mutate(context.Background(), e.ID, func(*model.VersionedEntity) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if got.RowVersion != e.RowVersion {
		t.Errorf("RowVersion = %d, want %d", got.RowVersion, e.RowVersion)
	}
}

// --- List ---

func TestList_filtersByKindAndStatus(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()
	d1 := createDoc(t, l, "QSF-2025-001")
	createDoc(t, l, "QSF-2025-002")
	if _, _, err := l.CreateInitial(ctx, NewEntity{Kind: "calibration", Number: "CAL-2025-001"}, "user-alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Mutate(ctx, d1.ID, func(e *model.VersionedEntity) error {
		e.Status = model.StatusObsolete
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	docs, err := l.List(ctx, "document", ListFilters{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	obsolete, err := l.List(ctx, "document", ListFilters{Status: model.StatusObsolete})
	require.NoError(t, err)
	require.Len(t, obsolete, 1)
	require.Equal(t, d1.ID, obsolete[0].ID)

	page, err := l.List(ctx, "document", ListFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
}
