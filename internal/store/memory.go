package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

// keyedMutex hands out one mutex per key so critical sections stay scoped to
// a single user, task, or order instead of the whole store.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Memory is an in-process Store. Each primitive runs under the owning
// entity's key lock (task for leases, user for balances, order for roll-ups),
// mirroring the row locks of the Postgres implementation. Lock order is
// always entity then user, so cross-entity primitives cannot deadlock.
type Memory struct {
	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	txns      map[string]*models.Transaction
	txnOrder  []string
	orders    map[string]*models.Order
	tasks     map[string]*models.Task
	leases    map[string]*models.Lease
	userLocks keyedMutex
	taskLocks keyedMutex
	ordLocks  keyedMutex
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		txns:     make(map[string]*models.Transaction),
		orders:   make(map[string]*models.Order),
		tasks:    make(map[string]*models.Task),
		leases:   make(map[string]*models.Lease),
	}
}

func (m *Memory) EnsureUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = decimal.Zero
	}
	return nil
}

func (m *Memory) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[userID]
	if !ok {
		return decimal.Zero, models.ErrNotFound
	}
	return b, nil
}

func (m *Memory) AppendTransaction(_ context.Context, p TransactionParams) (models.Transaction, error) {
	unlock := m.userLocks.lock(p.UserID)
	defer unlock()
	return m.appendLocked(p)
}

// appendLocked assumes the caller holds the user's key lock.
func (m *Memory) appendLocked(p TransactionParams) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.balances[p.UserID]
	if !ok {
		return models.Transaction{}, models.ErrNotFound
	}
	delta := p.Amount
	if models.TxSign(p.Type) < 0 {
		delta = p.Amount.Neg()
	}
	after := before.Add(delta)
	if after.IsNegative() {
		return models.Transaction{}, models.ErrInsufficientBalance
	}
	status := p.Status
	if status == "" {
		status = models.TxCompleted
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	txn := models.Transaction{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        status,
		Metadata:      p.Metadata,
		CreatedAt:     now,
	}
	if p.ReferenceID != "" {
		ref := p.ReferenceID
		txn.ReferenceID = &ref
	}
	m.balances[p.UserID] = after
	stored := txn
	m.txns[txn.ID] = &stored
	m.txnOrder = append(m.txnOrder, txn.ID)
	return txn, nil
}

func (m *Memory) Transactions(_ context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transaction
	for i := len(m.txnOrder) - 1; i >= 0 && len(out) < limit; i-- {
		if t := m.txns[m.txnOrder[i]]; t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return models.Transaction{}, models.ErrNotFound
	}
	return *t, nil
}

func (m *Memory) FinalizeWithdrawal(_ context.Context, txID string, approve bool, now time.Time) (models.Transaction, error) {
	m.mu.RLock()
	t, ok := m.txns[txID]
	m.mu.RUnlock()
	if !ok {
		return models.Transaction{}, models.ErrNotFound
	}

	unlock := m.userLocks.lock(t.UserID)
	defer unlock()

	m.mu.Lock()
	if t.Type != models.TxWithdrawal || t.Status != models.TxPending {
		m.mu.Unlock()
		return models.Transaction{}, models.ErrConflict
	}
	if approve {
		t.Status = models.TxCompleted
		out := *t
		m.mu.Unlock()
		return out, nil
	}
	t.Status = models.TxFailed
	out := *t
	m.mu.Unlock()

	if _, err := m.appendLocked(TransactionParams{
		UserID:      t.UserID,
		Type:        models.TxRefund,
		Amount:      t.Amount,
		ReferenceID: t.ID,
		Metadata:    map[string]any{"reason": "withdrawal_rejected"},
		Now:         now,
	}); err != nil {
		return models.Transaction{}, err
	}
	return out, nil
}

func (m *Memory) CreateOrder(_ context.Context, p OrderParams) (models.Order, error) {
	unlock := m.userLocks.lock(p.OwnerID)
	defer unlock()

	id := uuid.New().String()
	amount := p.UnitPrice.Mul(decimal.NewFromInt(int64(p.Quantity))).Round(2)
	if _, err := m.appendLocked(TransactionParams{
		UserID:      p.OwnerID,
		Type:        models.TxSpending,
		Amount:      amount,
		ReferenceID: id,
		Metadata:    map[string]any{"platform": p.Platform, "service": p.Service},
		Now:         p.Now,
	}); err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		ID:               id,
		OwnerID:          p.OwnerID,
		Platform:         p.Platform,
		Service:          p.Service,
		TargetURL:        p.TargetURL,
		Quantity:         p.Quantity,
		RemainingCount:   p.Quantity,
		UnitPrice:        p.UnitPrice,
		Amount:           amount,
		Priority:         p.Priority,
		Status:           models.OrderPending,
		LastStatusChange: p.Now,
		CreatedAt:        p.Now,
		UpdatedAt:        p.Now,
	}
	m.mu.Lock()
	stored := order
	m.orders[id] = &stored
	m.mu.Unlock()
	return order, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, models.ErrNotFound
	}
	return *o, nil
}

func (m *Memory) ProcessOrder(_ context.Context, orderID string, rate decimal.Decimal, now time.Time) (models.Order, models.Task, error) {
	unlock := m.ordLocks.lock(orderID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, models.Task{}, models.ErrNotFound
	}
	if o.Status != models.OrderPending {
		return models.Order{}, models.Task{}, models.ErrConflict
	}
	o.Status = models.OrderProcessing
	o.LastStatusChange = now
	o.UpdatedAt = now

	oid, owner := o.ID, o.OwnerID
	task := models.Task{
		ID:                uuid.New().String(),
		OrderID:           &oid,
		ExcludedUserID:    &owner,
		Type:              o.Service,
		Platform:          o.Platform,
		TargetURL:         o.TargetURL,
		Quantity:          o.Quantity,
		RemainingQuantity: o.Quantity,
		Rate:              rate,
		Status:            models.TaskPending,
		AdminStatus:       models.AdminApproved,
		Priority:          o.Priority,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored := task
	m.tasks[task.ID] = &stored
	return *o, task, nil
}

func (m *Memory) CancelOrder(_ context.Context, orderID string, now time.Time) (models.Order, error) {
	return m.transitionOrder(orderID, []string{models.OrderPending, models.OrderProcessing}, models.OrderCancelled, models.TaskCancelled, now)
}

func (m *Memory) FailOrder(_ context.Context, orderID string, now time.Time) (models.Order, error) {
	return m.transitionOrder(orderID, []string{models.OrderProcessing}, models.OrderFailed, models.TaskFailed, now)
}

func (m *Memory) transitionOrder(orderID string, from []string, to, taskStatus string, now time.Time) (models.Order, error) {
	unlock := m.ordLocks.lock(orderID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, models.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if o.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return models.Order{}, models.ErrConflict
	}
	o.Status = to
	o.LastStatusChange = now
	o.UpdatedAt = now
	m.stopOrderTasksLocked(orderID, taskStatus, now)
	return *o, nil
}

func (m *Memory) stopOrderTasksLocked(orderID, taskStatus string, now time.Time) {
	for _, t := range m.tasks {
		if t.OrderID != nil && *t.OrderID == orderID &&
			(t.Status == models.TaskPending || t.Status == models.TaskInProgress) {
			t.Status = taskStatus
			t.UpdatedAt = now
		}
	}
}

func (m *Memory) RefundOrder(_ context.Context, orderID string, now time.Time) (models.Order, models.Transaction, error) {
	unlock := m.ordLocks.lock(orderID)
	defer unlock()

	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return models.Order{}, models.Transaction{}, models.ErrNotFound
	}
	if o.RefundAmount != nil {
		m.mu.Unlock()
		return models.Order{}, models.Transaction{}, models.ErrConflict
	}
	refundable := o.Status == models.OrderFailed || o.Status == models.OrderCancelled ||
		(o.Status == models.OrderProcessing && o.CompletedCount > 0)
	if !refundable {
		m.mu.Unlock()
		return models.Order{}, models.Transaction{}, models.ErrConflict
	}
	refund := o.UnitPrice.Mul(decimal.NewFromInt(int64(o.RemainingCount))).Round(2)
	owner := o.OwnerID
	remaining := o.RemainingCount
	m.mu.Unlock()

	userUnlock := m.userLocks.lock(owner)
	defer userUnlock()
	txn, err := m.appendLocked(TransactionParams{
		UserID:      owner,
		Type:        models.TxRefund,
		Amount:      refund,
		ReferenceID: orderID,
		Metadata:    map[string]any{"remaining_count": remaining},
		Now:         now,
	})
	if err != nil {
		return models.Order{}, models.Transaction{}, err
	}

	m.mu.Lock()
	o.Status = models.OrderRefunded
	o.RefundAmount = &refund
	o.LastStatusChange = now
	o.UpdatedAt = now
	m.stopOrderTasksLocked(orderID, models.TaskCancelled, now)
	out := *o
	m.mu.Unlock()
	return out, txn, nil
}

func (m *Memory) ApplyOrderProgress(_ context.Context, orderID string, delta int, now time.Time) (models.Order, error) {
	unlock := m.ordLocks.lock(orderID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, models.ErrNotFound
	}
	if o.Status != models.OrderProcessing || o.RemainingCount < delta {
		return models.Order{}, models.ErrConflict
	}
	o.CompletedCount += delta
	o.RemainingCount -= delta
	o.UpdatedAt = now
	if o.RemainingCount == 0 {
		o.Status = models.OrderCompleted
		o.LastStatusChange = now
	}
	return *o, nil
}

func (m *Memory) CreateTask(_ context.Context, p TaskParams) (models.Task, error) {
	adminStatus := p.AdminStatus
	if adminStatus == "" {
		adminStatus = models.AdminPending
	}
	task := models.Task{
		ID:                uuid.New().String(),
		Type:              p.Type,
		Platform:          p.Platform,
		TargetURL:         p.TargetURL,
		Quantity:          p.Quantity,
		RemainingQuantity: p.Quantity,
		Rate:              p.Rate,
		Status:            models.TaskPending,
		AdminStatus:       adminStatus,
		Priority:          p.Priority,
		CreatedAt:         p.Now,
		UpdatedAt:         p.Now,
	}
	if p.OrderID != "" {
		oid := p.OrderID
		task.OrderID = &oid
	}
	if p.ExcludedUserID != "" {
		ex := p.ExcludedUserID
		task.ExcludedUserID = &ex
	}
	m.mu.Lock()
	stored := task
	m.tasks[task.ID] = &stored
	m.mu.Unlock()
	return task, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	return *t, nil
}

func (m *Memory) ReviewTask(_ context.Context, taskID string, approve bool, now time.Time) (models.Task, error) {
	unlock := m.taskLocks.lock(taskID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	if t.AdminStatus != models.AdminPending {
		return models.Task{}, models.ErrConflict
	}
	if approve {
		t.AdminStatus = models.AdminApproved
		t.Status = models.TaskPending
	} else {
		t.AdminStatus = models.AdminRejected
		t.Status = models.TaskRejectedByAdmin
	}
	t.UpdatedAt = now
	return *t, nil
}

func (m *Memory) ClaimableTasks(_ context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var out []models.Task
	for _, t := range m.tasks {
		if models.TaskClaimable(*t) && t.RemainingQuantity > 0 {
			out = append(out, *t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.PriorityRank(out[i].Priority), models.PriorityRank(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ActiveLeaseCount(_ context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.leases {
		if l.TaskID == taskID && models.LeaseActive(l.Status) {
			n++
		}
	}
	return n, nil
}

// ClaimTask performs the check-and-decrement under the task's key lock: the
// capacity check, the decrement, and the lease insert are one critical
// section, so racing claims on the last unit cannot both win.
func (m *Memory) ClaimTask(_ context.Context, p ClaimParams) (models.Lease, error) {
	unlock := m.taskLocks.lock(p.TaskID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[p.TaskID]
	if !ok {
		return models.Lease{}, models.ErrNotFound
	}
	if !models.TaskClaimable(*t) {
		return models.Lease{}, models.ErrNotClaimable
	}
	if t.ExcludedUserID != nil && *t.ExcludedUserID == p.UserID {
		return models.Lease{}, models.ErrSelfExclusion
	}
	for _, l := range m.leases {
		if l.TaskID == p.TaskID && l.UserID == p.UserID && models.LeaseActive(l.Status) {
			return models.Lease{}, models.ErrAlreadyActive
		}
	}
	if t.RemainingQuantity <= 0 {
		return models.Lease{}, models.ErrNoCapacity
	}
	t.RemainingQuantity--
	if t.Status == models.TaskPending {
		t.Status = models.TaskInProgress
	}
	t.UpdatedAt = p.Now

	lease := models.Lease{
		ID:         uuid.New().String(),
		TaskID:     p.TaskID,
		UserID:     p.UserID,
		Status:     models.LeasePending,
		ReservedAt: p.Now,
		ExpiresAt:  p.Now.Add(p.TTL),
		IPAddress:  p.IPAddress,
		UserAgent:  p.UserAgent,
	}
	stored := lease
	m.leases[lease.ID] = &stored
	return lease, nil
}

func (m *Memory) GetLease(_ context.Context, id string) (models.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leases[id]
	if !ok {
		return models.Lease{}, models.ErrNotFound
	}
	return *l, nil
}

func (m *Memory) SubmitLease(_ context.Context, leaseID, proofURL, notes string, now time.Time) (models.Lease, error) {
	m.mu.RLock()
	l, ok := m.leases[leaseID]
	m.mu.RUnlock()
	if !ok {
		return models.Lease{}, models.ErrNotFound
	}

	unlock := m.taskLocks.lock(l.TaskID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status != models.LeasePending {
		if l.Status == models.LeaseExpired {
			return models.Lease{}, models.ErrLeaseExpired
		}
		return models.Lease{}, models.ErrConflict
	}
	if !now.Before(l.ExpiresAt) {
		l.Status = models.LeaseExpired
		if t, ok := m.tasks[l.TaskID]; ok {
			t.RemainingQuantity++
			t.UpdatedAt = now
		}
		return models.Lease{}, models.ErrLeaseExpired
	}
	l.Status = models.LeaseSubmitted
	ts := now
	l.SubmittedAt = &ts
	l.ProofURL = proofURL
	l.SubmissionNotes = notes
	return *l, nil
}

func (m *Memory) PendingExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, l := range m.leases {
		if l.Status == models.LeasePending && l.ExpiresAt.Before(now) {
			ids = append(ids, id)
			if len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (m *Memory) ExpireLease(_ context.Context, leaseID string, now time.Time) (bool, error) {
	m.mu.RLock()
	l, ok := m.leases[leaseID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	unlock := m.taskLocks.lock(l.TaskID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status != models.LeasePending || !l.ExpiresAt.Before(now) {
		return false, nil
	}
	l.Status = models.LeaseExpired
	if t, ok := m.tasks[l.TaskID]; ok {
		t.RemainingQuantity++
		t.UpdatedAt = now
	}
	return true, nil
}

func (m *Memory) ApproveLease(_ context.Context, p ReviewParams) (ReviewResult, error) {
	m.mu.RLock()
	l, ok := m.leases[p.LeaseID]
	m.mu.RUnlock()
	if !ok {
		return ReviewResult{}, models.ErrNotFound
	}

	unlock := m.taskLocks.lock(l.TaskID)
	defer unlock()

	m.mu.Lock()
	t, ok := m.tasks[l.TaskID]
	if !ok {
		m.mu.Unlock()
		return ReviewResult{}, models.ErrNotFound
	}
	if models.LeaseTerminal(l.Status) {
		out := ReviewResult{Lease: *l, Task: *t}
		m.mu.Unlock()
		return out, nil
	}
	if l.Status != models.LeaseSubmitted {
		m.mu.Unlock()
		return ReviewResult{}, models.ErrConflict
	}
	if l.PayoutProcessed {
		m.mu.Unlock()
		return ReviewResult{}, models.ErrInvariant
	}
	userID := l.UserID
	rate := t.Rate
	taskID := t.ID
	m.mu.Unlock()

	userUnlock := m.userLocks.lock(userID)
	defer userUnlock()
	if _, err := m.appendLocked(TransactionParams{
		UserID:      userID,
		Type:        models.TxEarning,
		Amount:      rate.Round(2),
		ReferenceID: p.LeaseID,
		Metadata:    map[string]any{"task_id": taskID},
		Now:         p.Now,
	}); err != nil {
		return ReviewResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l.Status = models.LeaseApproved
	ts := p.Now
	l.ReviewedAt = &ts
	reviewer := p.ReviewerID
	l.ReviewedBy = &reviewer
	l.AdminNotes = p.Notes
	l.PayoutProcessed = true
	t.CompletedQuantity++
	if t.CompletedQuantity >= t.Quantity {
		t.Status = models.TaskCompleted
	}
	t.UpdatedAt = p.Now
	return ReviewResult{Lease: *l, Task: *t, Applied: true}, nil
}

func (m *Memory) RejectLease(_ context.Context, p ReviewParams) (ReviewResult, error) {
	m.mu.RLock()
	l, ok := m.leases[p.LeaseID]
	m.mu.RUnlock()
	if !ok {
		return ReviewResult{}, models.ErrNotFound
	}

	unlock := m.taskLocks.lock(l.TaskID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[l.TaskID]
	if !ok {
		return ReviewResult{}, models.ErrNotFound
	}
	if models.LeaseTerminal(l.Status) {
		return ReviewResult{Lease: *l, Task: *t}, nil
	}
	if l.Status != models.LeaseSubmitted {
		return ReviewResult{}, models.ErrConflict
	}
	l.Status = models.LeaseRejected
	ts := p.Now
	l.ReviewedAt = &ts
	reviewer := p.ReviewerID
	l.ReviewedBy = &reviewer
	l.AdminNotes = p.Notes
	t.RemainingQuantity++
	t.UpdatedAt = p.Now
	return ReviewResult{Lease: *l, Task: *t, Applied: true}, nil
}

func (m *Memory) ListLeases(_ context.Context, f LeaseFilter) ([]models.Lease, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	var out []models.Lease
	for _, l := range m.leases {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.TaskID != "" && l.TaskID != f.TaskID {
			continue
		}
		if !f.From.IsZero() && l.ReservedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !l.ReservedAt.Before(f.To) {
			continue
		}
		out = append(out, *l)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
