package sift

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/siftdata/sift/sift/config"
	"github.com/siftdata/sift/trace"
)

// admission enforces the per-request and per-tenant gates: signature,
// row/byte quotas, tenant concurrency slots, idempotency collapse and
// the per-task cancel flags. Each concern has its own short-lived
// mutex; nothing here holds two at once.
type admission struct {
	limits        config.Limits
	signingSecret string

	idemMu sync.Mutex
	idem   map[string]string // <tenant>:<idem_key> -> task id

	flagMu sync.Mutex
	flags  map[string]*atomic.Bool

	tenantMu sync.Mutex
	running  map[string]int
}

func newAdmission(limits config.Limits, signingSecret string) *admission {
	return &admission{
		limits:        limits,
		signingSecret: signingSecret,
		idem:          map[string]string{},
		flags:         map[string]*atomic.Bool{},
		running:       map[string]int{},
	}
}

// verifySignature checks the request signature when signing is
// enabled: lowercase hex SHA-256 over <secret>:<tenant>:<run_id>.
func (a *admission) verifySignature(tenant, runID, signature string) error {
	if strings.TrimSpace(a.signingSecret) == "" {
		return nil
	}
	expected := trace.Hash(fmt.Sprintf("%s:%s:%s", a.signingSecret, tenant, runID))
	if !strings.EqualFold(strings.TrimSpace(signature), expected) {
		return fmt.Errorf("invalid request signature")
	}
	return nil
}

// checkQuota enforces the tenant row and byte caps.
func (a *admission) checkQuota(rows, payloadBytes int) error {
	if rows > a.limits.TenantMaxRows {
		return fmt.Errorf("tenant row quota exceeded: %d > %d", rows, a.limits.TenantMaxRows)
	}
	if payloadBytes > a.limits.TenantMaxPayloadBytes {
		return fmt.Errorf("tenant payload quota exceeded: %s > %s",
			humanize.Bytes(uint64(payloadBytes)), humanize.Bytes(uint64(a.limits.TenantMaxPayloadBytes)))
	}
	return nil
}

// acquireSlot takes one unit of the tenant's concurrency budget.
func (a *admission) acquireSlot(tenant string) error {
	a.tenantMu.Lock()
	defer a.tenantMu.Unlock()
	if cur := a.running[tenant]; cur >= a.limits.TenantMaxConcurrency {
		return fmt.Errorf("tenant concurrency exceeded: %d >= %d", cur, a.limits.TenantMaxConcurrency)
	}
	a.running[tenant]++
	return nil
}

// releaseSlot returns a slot; releasing an empty tenant is a no-op so
// terminal-path cleanup stays idempotent.
func (a *admission) releaseSlot(tenant string) {
	a.tenantMu.Lock()
	defer a.tenantMu.Unlock()
	if a.running[tenant] > 0 {
		a.running[tenant]--
	}
}

func idemKey(tenant, key string) string {
	return tenant + ":" + key
}

func (a *admission) idemLookup(tenant, key string) (string, bool) {
	a.idemMu.Lock()
	defer a.idemMu.Unlock()
	id, ok := a.idem[idemKey(tenant, key)]
	return id, ok
}

func (a *admission) idemStore(tenant, key, taskID string) {
	a.idemMu.Lock()
	defer a.idemMu.Unlock()
	a.idem[idemKey(tenant, key)] = taskID
}

func (a *admission) idemDrop(tenant, key string) {
	a.idemMu.Lock()
	defer a.idemMu.Unlock()
	delete(a.idem, idemKey(tenant, key))
}

func (a *admission) registerFlag(taskID string) *atomic.Bool {
	flag := &atomic.Bool{}
	a.flagMu.Lock()
	a.flags[taskID] = flag
	a.flagMu.Unlock()
	return flag
}

func (a *admission) armFlag(taskID string) bool {
	a.flagMu.Lock()
	defer a.flagMu.Unlock()
	if flag, ok := a.flags[taskID]; ok {
		flag.Store(true)
		return true
	}
	return false
}

// dropFlag removes the task's cancel flag, reporting whether one was
// present so the caller can keep cleanup idempotent.
func (a *admission) dropFlag(taskID string) bool {
	a.flagMu.Lock()
	defer a.flagMu.Unlock()
	if _, ok := a.flags[taskID]; ok {
		delete(a.flags, taskID)
		return true
	}
	return false
}
