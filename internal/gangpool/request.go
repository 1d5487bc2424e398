package gangpool

import (
	"errors"

	"gangsched/internal/cpumask"
	"gangsched/internal/policy"
)

// MaxDomains bounds the number of domain entries in a single
// configuration request.
const MaxDomains = 64

// Sentinel errors surfaced by the configuration interface. They mirror
// the error codes of the hypervisor control surface.
var (
	// ErrPermission: the call did not originate from outside the
	// managed pool (EPERM).
	ErrPermission = errors.New("operation not permitted from inside the pool")

	// ErrBusy: a concurrent reconfiguration is in progress (EBUSY).
	ErrBusy = errors.New("concurrent reconfiguration in progress")

	// ErrInvalid: request validation or admission failed (EINVAL).
	ErrInvalid = errors.New("invalid configuration")

	// ErrNoMemory: ticket allocation cannot satisfy the request (ENOMEM).
	ErrNoMemory = errors.New("insufficient ticket capacity")

	// ErrFault: malformed request record (EFAULT).
	ErrFault = errors.New("bad request record")
)

// Command selects between setting and reading the pool configuration.
type Command int

const (
	// Put atomically replaces masks and policies for the listed
	// domains.
	Put Command = iota

	// Get reads back the current configuration of every domain in the
	// pool.
	Get
)

// DomEntry carries one domain's desired (put) or current (get)
// configuration: its pCPU map as a bitmap and its policy specification.
type DomEntry struct {
	DomID  int32
	CPUMap cpumask.Mask
	Policy policy.Spec
}

// Request is the validated configuration record the coordinator
// consumes.
type Request struct {
	Command Command
	PoolID  uint32
	Entries []DomEntry
}
