package immunity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerstack/resilience/internal/platform"
)

// TransactionStatus tracks a checkpoint's lifecycle.
type TransactionStatus string

const (
	TxActive     TransactionStatus = "active"
	TxCommitted  TransactionStatus = "committed"
	TxRolledBack TransactionStatus = "rolled_back"
)

// Operation is one step recorded inside a transaction.
type Operation struct {
	// Name identifies the operation.
	Name string `json:"name"`

	// Timestamp is when the operation ran.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries operation data used to replay or invert it.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Checkpoint is a point-in-time capture of a logical transaction.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint.
	ID string `json:"id"`

	// TransactionID is the owning transaction.
	TransactionID string `json:"transaction_id"`

	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time `json:"timestamp"`

	// State is the transaction state blob at checkpoint time.
	State map[string]interface{} `json:"state"`

	// Operations lists the steps recorded since the transaction began.
	Operations []Operation `json:"operations"`

	// Rollback carries the payload needed to undo past this point.
	Rollback map[string]interface{} `json:"rollback,omitempty"`

	// Status is the checkpoint lifecycle state.
	Status TransactionStatus `json:"status"`
}

// transaction is the live tracking record for one in-flight transaction.
type transaction struct {
	id         string
	state      map[string]interface{}
	operations []Operation
	rollbackFn func(state map[string]interface{}) error
}

// TransactionManager checkpoints in-flight transactions and rolls them back
// during healing. Per-transaction checkpoint lists are bounded FIFO like
// component snapshots.
type TransactionManager struct {
	mu             sync.RWMutex
	clock          platform.Clock
	maxCheckpoints int
	active         map[string]*transaction
	checkpoints    map[string][]Checkpoint
	rollbacks      int
}

// NewTransactionManager creates an empty transaction manager.
func NewTransactionManager(clock platform.Clock, maxCheckpoints int) *TransactionManager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 10
	}
	return &TransactionManager{
		clock:          clock,
		maxCheckpoints: maxCheckpoints,
		active:         make(map[string]*transaction),
		checkpoints:    make(map[string][]Checkpoint),
	}
}

// Begin starts tracking a transaction. The rollback function is invoked with
// the last checkpointed state when the transaction is rolled back.
func (tm *TransactionManager) Begin(id string, rollbackFn func(state map[string]interface{}) error) error {
	if id == "" {
		id = uuid.NewString()
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.active[id]; exists {
		return fmt.Errorf("transaction %s is already active", id)
	}
	tm.active[id] = &transaction{
		id:         id,
		state:      make(map[string]interface{}),
		rollbackFn: rollbackFn,
	}
	return nil
}

// RecordOperation appends an operation to an active transaction.
func (tm *TransactionManager) RecordOperation(txID, name string, payload map[string]interface{}) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, exists := tm.active[txID]
	if !exists {
		return fmt.Errorf("transaction %s is not active", txID)
	}
	tx.operations = append(tx.operations, Operation{
		Name:      name,
		Timestamp: tm.clock.Now(),
		Payload:   payload,
	})
	return nil
}

// SetState replaces the tracked state of an active transaction.
func (tm *TransactionManager) SetState(txID string, state map[string]interface{}) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, exists := tm.active[txID]
	if !exists {
		return fmt.Errorf("transaction %s is not active", txID)
	}
	tx.state = state
	return nil
}

// CheckpointAll checkpoints every active transaction. Called on the
// checkpoint tick.
func (tm *TransactionManager) CheckpointAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, tx := range tm.active {
		tm.checkpointLocked(tx)
	}
}

func (tm *TransactionManager) checkpointLocked(tx *transaction) {
	state := make(map[string]interface{}, len(tx.state))
	for k, v := range tx.state {
		state[k] = v
	}
	ops := make([]Operation, len(tx.operations))
	copy(ops, tx.operations)

	cp := Checkpoint{
		ID:            uuid.NewString(),
		TransactionID: tx.id,
		Timestamp:     tm.clock.Now(),
		State:         state,
		Operations:    ops,
		Status:        TxActive,
	}

	list := append(tm.checkpoints[tx.id], cp)
	if len(list) > tm.maxCheckpoints {
		list = list[len(list)-tm.maxCheckpoints:]
	}
	tm.checkpoints[tx.id] = list
}

// Commit ends a transaction successfully and marks its checkpoints committed.
func (tm *TransactionManager) Commit(txID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.active[txID]; !exists {
		return fmt.Errorf("transaction %s is not active", txID)
	}
	delete(tm.active, txID)

	list := tm.checkpoints[txID]
	for i := range list {
		list[i].Status = TxCommitted
	}
	return nil
}

// Rollback restores the most recent checkpointed state through the
// transaction's rollback function and ends the transaction.
func (tm *TransactionManager) Rollback(txID string) error {
	tm.mu.Lock()

	tx, exists := tm.active[txID]
	if !exists {
		tm.mu.Unlock()
		return fmt.Errorf("transaction %s is not active", txID)
	}

	list := tm.checkpoints[txID]
	var state map[string]interface{}
	if len(list) > 0 {
		state = list[len(list)-1].State
	}
	rollbackFn := tx.rollbackFn

	delete(tm.active, txID)
	for i := range list {
		list[i].Status = TxRolledBack
	}
	tm.rollbacks++
	tm.mu.Unlock()

	if rollbackFn != nil {
		if err := rollbackFn(state); err != nil {
			return fmt.Errorf("rollback of transaction %s failed: %w", txID, err)
		}
	}
	return nil
}

// Checkpoints returns the stored checkpoints for a transaction, oldest first.
func (tm *TransactionManager) Checkpoints(txID string) []Checkpoint {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	list := tm.checkpoints[txID]
	out := make([]Checkpoint, len(list))
	copy(out, list)
	return out
}

// Rollbacks returns how many rollbacks have been performed.
func (tm *TransactionManager) Rollbacks() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.rollbacks
}

// Purge drops checkpoints older than the cutoff for transactions that are no
// longer active.
func (tm *TransactionManager) Purge(olderThan time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, list := range tm.checkpoints {
		if _, stillActive := tm.active[id]; stillActive {
			continue
		}
		kept := list[:0]
		for _, cp := range list {
			if !cp.Timestamp.Before(olderThan) {
				kept = append(kept, cp)
			}
		}
		if len(kept) == 0 {
			delete(tm.checkpoints, id)
			continue
		}
		tm.checkpoints[id] = kept
	}
}
