package capa

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"capa-platform/internal/audit"
)

// MemoryStore is an in-process Store used by tests and local runs.
//
// Each transaction buffers its writes and audit records privately. Row locks
// are held until the transaction ends. Commit re-checks versions and parent
// rows, appends the audit records to the ledger, then publishes the writes.
// A failed check leaves both the tables and the ledger untouched.
type MemoryStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	ncs           map[string]NonConformity
	causes        map[string]RootCause
	plans         map[string]ActionPlan
	actions       map[string]CorrectiveAction
	verifications map[string]EffectivenessVerification

	locks  map[string]*memTx
	shared map[string]map[*memTx]struct{}
	ledger *audit.MemoryRepo
}

func NewMemoryStore(ledger *audit.MemoryRepo) *MemoryStore {
	if ledger == nil {
		ledger = audit.NewMemoryRepo()
	}
	s := &MemoryStore{
		ncs:           map[string]NonConformity{},
		causes:        map[string]RootCause{},
		plans:         map[string]ActionPlan{},
		actions:       map[string]CorrectiveAction{},
		verifications: map[string]EffectivenessVerification{},
		locks:         map[string]*memTx{},
		shared:        map[string]map[*memTx]struct{}{},
		ledger:        ledger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Ledger returns the audit ledger fed by committed transactions.
func (s *MemoryStore) Ledger() *audit.MemoryRepo { return s.ledger }

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:             s,
		ncs:           map[string]NonConformity{},
		deletedNCs:    map[string]bool{},
		causes:        map[string]RootCause{},
		plans:         map[string]ActionPlan{},
		actions:       map[string]CorrectiveAction{},
		verifications: map[string]EffectivenessVerification{},
		baseNC:        map[string]int64{},
		basePlan:      map[string]int64{},
		baseAction:    map[string]int64{},
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ctx, tx)
}

func (s *MemoryStore) commit(ctx context.Context, t *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(t); err != nil {
		return err
	}
	if len(t.records) > 0 {
		if err := s.ledger.AppendAll(ctx, t.records); err != nil {
			return err
		}
	}

	for id, nc := range t.ncs {
		s.ncs[id] = nc
	}
	for id := range t.deletedNCs {
		delete(s.ncs, id)
	}
	for id, rc := range t.causes {
		s.causes[id] = rc
	}
	for id, p := range t.plans {
		s.plans[id] = p
	}
	for id, a := range t.actions {
		s.actions[id] = a
	}
	for id, v := range t.verifications {
		s.verifications[id] = v
	}
	return nil
}

// checkLocked validates t against committed state. Caller holds s.mu.
func (s *MemoryStore) checkLocked(t *memTx) error {
	for id, base := range t.baseNC {
		cur, ok := s.ncs[id]
		if !ok || cur.Version != base {
			return conflictf("non-conformity %s changed concurrently", id)
		}
	}
	for id, base := range t.basePlan {
		cur, ok := s.plans[id]
		if !ok || cur.Version != base {
			return conflictf("action plan %s changed concurrently", id)
		}
	}
	for id, base := range t.baseAction {
		cur, ok := s.actions[id]
		if !ok || cur.Version != base {
			return conflictf("corrective action %s changed concurrently", id)
		}
	}

	ncExists := func(id string) bool {
		if _, ok := t.ncs[id]; ok {
			return true
		}
		_, ok := s.ncs[id]
		return ok && !t.deletedNCs[id]
	}
	for _, rc := range t.causes {
		if !ncExists(rc.NCID) {
			return conflictf("non-conformity %s no longer exists", rc.NCID)
		}
	}
	for _, p := range t.plans {
		if !ncExists(p.NCID) {
			return conflictf("non-conformity %s no longer exists", p.NCID)
		}
	}
	for _, a := range t.actions {
		if !ncExists(a.NCID) {
			return conflictf("non-conformity %s no longer exists", a.NCID)
		}
	}
	for _, v := range t.verifications {
		_, inTx := t.actions[v.ActionID]
		_, committed := s.actions[v.ActionID]
		if !inTx && !committed {
			return conflictf("corrective action %s no longer exists", v.ActionID)
		}
	}

	for id := range t.deletedNCs {
		for _, a := range s.actions {
			if a.NCID == id {
				return conflictf("non-conformity %s gained dependents", id)
			}
		}
		for _, rc := range s.causes {
			if rc.NCID == id {
				return conflictf("non-conformity %s gained dependents", id)
			}
		}
		for _, p := range s.plans {
			if p.NCID == id {
				return conflictf("non-conformity %s gained dependents", id)
			}
		}
	}
	return nil
}

type memTx struct {
	s *MemoryStore

	ncs           map[string]NonConformity
	deletedNCs    map[string]bool
	causes        map[string]RootCause
	plans         map[string]ActionPlan
	actions       map[string]CorrectiveAction
	verifications map[string]EffectivenessVerification

	// committed versions of rows this tx updated, re-checked at commit
	baseNC     map[string]int64
	basePlan   map[string]int64
	baseAction map[string]int64

	records    []audit.Record
	held       []string
	heldShared []string
}

func (t *memTx) Append(_ context.Context, rec audit.Record) error {
	if rec.ID == "" || !rec.Event.Valid() {
		return audit.ErrInvalidRecord
	}
	t.records = append(t.records, rec)
	return nil
}

// acquire takes the exclusive row lock named key for t. Without wait a lock
// held by another transaction, exclusive or shared, is a conflict.
func (t *memTx) acquire(ctx context.Context, key string, wait bool) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var stop func() bool
	for {
		holder, held := s.locks[key]
		if holder == t {
			return nil
		}
		if !held && !s.sharedByOthersLocked(key, t) {
			s.locks[key] = t
			t.held = append(t.held, key)
			return nil
		}
		if !wait {
			return conflictf("%s is locked by another transaction", key)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop == nil {
			stop = context.AfterFunc(ctx, func() {
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			})
			defer stop()
		}
		s.cond.Wait()
	}
}

// acquireShared takes a shared lock on key. It never waits: an exclusive
// holder other than t is a conflict.
func (t *memTx) acquireShared(key string) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, held := s.locks[key]; held {
		if holder == t {
			return nil
		}
		return conflictf("%s is locked by another transaction", key)
	}
	holders := s.shared[key]
	if holders == nil {
		holders = map[*memTx]struct{}{}
		s.shared[key] = holders
	}
	if _, ok := holders[t]; !ok {
		holders[t] = struct{}{}
		t.heldShared = append(t.heldShared, key)
	}
	return nil
}

// sharedByOthersLocked reports whether a transaction other than t shares key.
// Caller holds s.mu.
func (s *MemoryStore) sharedByOthersLocked(key string, t *memTx) bool {
	for holder := range s.shared[key] {
		if holder != t {
			return true
		}
	}
	return false
}

func (t *memTx) release() {
	if len(t.held) == 0 && len(t.heldShared) == 0 {
		return
	}
	s := t.s
	s.mu.Lock()
	for _, k := range t.held {
		if s.locks[k] == t {
			delete(s.locks, k)
		}
	}
	for _, k := range t.heldShared {
		delete(s.shared[k], t)
		if len(s.shared[k]) == 0 {
			delete(s.shared, k)
		}
	}
	t.held = nil
	t.heldShared = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// committed reads one row from the shared tables.
func committed[T any](s *MemoryStore, table map[string]T, id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := table[id]
	return v, ok
}

// visible merges committed rows with t's buffered writes.
func visible[T any](s *MemoryStore, table, overlay map[string]T) []T {
	s.mu.Lock()
	merged := make(map[string]T, len(table)+len(overlay))
	for id, v := range table {
		merged[id] = v
	}
	s.mu.Unlock()
	for id, v := range overlay {
		merged[id] = v
	}
	out := make([]T, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	return out
}

// --- non-conformities ---

func (t *memTx) InsertNC(ctx context.Context, nc NonConformity) error {
	if _, err := t.GetNC(ctx, nc.ID); err == nil {
		return conflictf("non-conformity %s already exists", nc.ID)
	}
	for _, other := range visible(t.s, t.s.ncs, t.ncs) {
		if other.Number == nc.Number && !t.deletedNCs[other.ID] {
			return conflictf("non-conformity number %s already used", nc.Number)
		}
	}
	delete(t.deletedNCs, nc.ID)
	t.ncs[nc.ID] = cloneNC(nc)
	return nil
}

func (t *memTx) GetNC(_ context.Context, id string) (NonConformity, error) {
	if t.deletedNCs[id] {
		return NonConformity{}, notFound(EntityNonConformity, id)
	}
	if nc, ok := t.ncs[id]; ok {
		return cloneNC(nc), nil
	}
	nc, ok := committed(t.s, t.s.ncs, id)
	if !ok {
		return NonConformity{}, notFound(EntityNonConformity, id)
	}
	return cloneNC(nc), nil
}

func (t *memTx) LockNC(ctx context.Context, id string) (NonConformity, error) {
	if err := t.acquire(ctx, "non-conformity "+id, false); err != nil {
		return NonConformity{}, err
	}
	return t.GetNC(ctx, id)
}

func (t *memTx) LockNCShared(ctx context.Context, id string) (NonConformity, error) {
	if err := t.acquireShared("non-conformity " + id); err != nil {
		return NonConformity{}, err
	}
	return t.GetNC(ctx, id)
}

func (t *memTx) UpdateNC(ctx context.Context, nc NonConformity) (NonConformity, error) {
	cur, err := t.GetNC(ctx, nc.ID)
	if err != nil {
		return NonConformity{}, err
	}
	if cur.Version != nc.Version {
		return NonConformity{}, conflictf("non-conformity %s was modified concurrently", nc.ID)
	}
	if c, ok := committed(t.s, t.s.ncs, nc.ID); ok {
		if _, noted := t.baseNC[nc.ID]; !noted {
			t.baseNC[nc.ID] = c.Version
		}
	}
	nc.Version++
	t.ncs[nc.ID] = cloneNC(nc)
	return cloneNC(nc), nil
}

func (t *memTx) DeleteNC(ctx context.Context, id string) error {
	if _, err := t.GetNC(ctx, id); err != nil {
		return err
	}
	if c, ok := committed(t.s, t.s.ncs, id); ok {
		if _, noted := t.baseNC[id]; !noted {
			t.baseNC[id] = c.Version
		}
	}
	delete(t.ncs, id)
	t.deletedNCs[id] = true
	return nil
}

func (t *memTx) CountDependents(_ context.Context, ncID string) (Dependents, error) {
	var d Dependents
	for _, a := range visible(t.s, t.s.actions, t.actions) {
		if a.NCID == ncID {
			d.Actions++
		}
	}
	for _, rc := range visible(t.s, t.s.causes, t.causes) {
		if rc.NCID == ncID {
			d.RootCauses++
		}
	}
	for _, p := range visible(t.s, t.s.plans, t.plans) {
		if p.NCID == ncID {
			d.Plans++
		}
	}
	return d, nil
}

// --- root causes ---

func (t *memTx) InsertRootCause(ctx context.Context, rc RootCause) error {
	if _, err := t.GetRootCause(ctx, rc.ID); err == nil {
		return conflictf("root cause %s already exists", rc.ID)
	}
	t.causes[rc.ID] = rc
	return nil
}

func (t *memTx) GetRootCause(_ context.Context, id string) (RootCause, error) {
	if rc, ok := t.causes[id]; ok {
		return rc, nil
	}
	rc, ok := committed(t.s, t.s.causes, id)
	if !ok {
		return RootCause{}, notFound(EntityRootCause, id)
	}
	return rc, nil
}

func (t *memTx) ListRootCauses(_ context.Context, ncID string) ([]RootCause, error) {
	var out []RootCause
	for _, rc := range visible(t.s, t.s.causes, t.causes) {
		if rc.NCID == ncID {
			out = append(out, rc)
		}
	}
	slices.SortFunc(out, func(a, b RootCause) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// --- plans ---

func (t *memTx) InsertPlan(ctx context.Context, p ActionPlan) error {
	if _, err := t.GetPlan(ctx, p.ID); err == nil {
		return conflictf("action plan %s already exists", p.ID)
	}
	t.plans[p.ID] = p
	return nil
}

func (t *memTx) GetPlan(_ context.Context, id string) (ActionPlan, error) {
	if p, ok := t.plans[id]; ok {
		return p, nil
	}
	p, ok := committed(t.s, t.s.plans, id)
	if !ok {
		return ActionPlan{}, notFound(EntityActionPlan, id)
	}
	return p, nil
}

func (t *memTx) LockPlan(ctx context.Context, id string) (ActionPlan, error) {
	if err := t.acquire(ctx, "action plan "+id, true); err != nil {
		return ActionPlan{}, err
	}
	return t.GetPlan(ctx, id)
}

func (t *memTx) UpdatePlan(ctx context.Context, p ActionPlan) (ActionPlan, error) {
	cur, err := t.GetPlan(ctx, p.ID)
	if err != nil {
		return ActionPlan{}, err
	}
	if cur.Version != p.Version {
		return ActionPlan{}, conflictf("action plan %s was modified concurrently", p.ID)
	}
	if c, ok := committed(t.s, t.s.plans, p.ID); ok {
		if _, noted := t.basePlan[p.ID]; !noted {
			t.basePlan[p.ID] = c.Version
		}
	}
	p.Version++
	t.plans[p.ID] = p
	return p, nil
}

// --- actions ---

func (t *memTx) InsertAction(ctx context.Context, a CorrectiveAction) error {
	if _, err := t.GetAction(ctx, a.ID); err == nil {
		return conflictf("corrective action %s already exists", a.ID)
	}
	t.actions[a.ID] = a
	return nil
}

func (t *memTx) GetAction(_ context.Context, id string) (CorrectiveAction, error) {
	if a, ok := t.actions[id]; ok {
		return a, nil
	}
	a, ok := committed(t.s, t.s.actions, id)
	if !ok {
		return CorrectiveAction{}, notFound(EntityAction, id)
	}
	return a, nil
}

func (t *memTx) LockAction(ctx context.Context, id string) (CorrectiveAction, error) {
	if err := t.acquire(ctx, "corrective action "+id, false); err != nil {
		return CorrectiveAction{}, err
	}
	return t.GetAction(ctx, id)
}

func (t *memTx) UpdateAction(ctx context.Context, a CorrectiveAction) (CorrectiveAction, error) {
	cur, err := t.GetAction(ctx, a.ID)
	if err != nil {
		return CorrectiveAction{}, err
	}
	if cur.Version != a.Version {
		return CorrectiveAction{}, conflictf("corrective action %s was modified concurrently", a.ID)
	}
	if c, ok := committed(t.s, t.s.actions, a.ID); ok {
		if _, noted := t.baseAction[a.ID]; !noted {
			t.baseAction[a.ID] = c.Version
		}
	}
	a.Version++
	t.actions[a.ID] = a
	return a, nil
}

func (t *memTx) ListActions(_ context.Context, f ActionFilter) ([]CorrectiveAction, error) {
	var out []CorrectiveAction
	for _, a := range visible(t.s, t.s.actions, t.actions) {
		if f.matches(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b CorrectiveAction) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// --- verifications ---

func (t *memTx) InsertVerification(_ context.Context, v EffectivenessVerification) error {
	if _, ok := t.verifications[v.ID]; ok {
		return conflictf("verification %s already exists", v.ID)
	}
	if _, ok := committed(t.s, t.s.verifications, v.ID); ok {
		return conflictf("verification %s already exists", v.ID)
	}
	t.verifications[v.ID] = v
	return nil
}

func (t *memTx) ListVerifications(_ context.Context, actionID string) ([]EffectivenessVerification, error) {
	var out []EffectivenessVerification
	for _, v := range visible(t.s, t.s.verifications, t.verifications) {
		if v.ActionID == actionID {
			out = append(out, v)
		}
	}
	sortVerifications(out)
	return out, nil
}

func (t *memTx) ListPlanVerifications(ctx context.Context, planID string) ([]EffectivenessVerification, error) {
	actions, err := t.ListActions(ctx, ActionFilter{PlanID: planID})
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(actions))
	for _, a := range actions {
		owned[a.ID] = true
	}
	var out []EffectivenessVerification
	for _, v := range visible(t.s, t.s.verifications, t.verifications) {
		if owned[v.ActionID] {
			out = append(out, v)
		}
	}
	sortVerifications(out)
	return out, nil
}

func sortVerifications(vs []EffectivenessVerification) {
	slices.SortFunc(vs, func(a, b EffectivenessVerification) int {
		return cmp.Or(a.VerifiedAt.Compare(b.VerifiedAt), cmp.Compare(a.ID, b.ID))
	})
}

func cloneNC(nc NonConformity) NonConformity {
	if nc.CoDetectors != nil {
		nc.CoDetectors = slices.Clone(nc.CoDetectors)
	}
	return nc
}
