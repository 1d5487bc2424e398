package cpumask

import (
	"fmt"
	"strconv"
	"strings"
)

const wordBits = 64

// Mask is a bitmap over the logical pCPU IDs of a scheduling pool.
// The zero value is an empty mask of size zero; use New to size one.
type Mask struct {
	bits []uint64
	n    int
}

// New returns an empty mask able to hold pCPU IDs 0..n-1.
func New(n int) Mask {
	if n < 0 {
		n = 0
	}
	return Mask{
		bits: make([]uint64, (n+wordBits-1)/wordBits),
		n:    n,
	}
}

// Size returns the number of pCPU IDs the mask can hold.
func (m Mask) Size() int {
	return m.n
}

func (m Mask) check(cpu int) {
	if cpu < 0 || cpu >= m.n {
		panic(fmt.Sprintf("cpumask: cpu %d out of range [0,%d)", cpu, m.n))
	}
}

func (m *Mask) Set(cpu int) {
	m.check(cpu)
	m.bits[cpu/wordBits] |= 1 << uint(cpu%wordBits)
}

func (m *Mask) Clear(cpu int) {
	m.check(cpu)
	m.bits[cpu/wordBits] &^= 1 << uint(cpu%wordBits)
}

func (m *Mask) ClearAll() {
	for i := range m.bits {
		m.bits[i] = 0
	}
}

func (m *Mask) SetAll() {
	for cpu := 0; cpu < m.n; cpu++ {
		m.Set(cpu)
	}
}

func (m Mask) Test(cpu int) bool {
	if cpu < 0 || cpu >= m.n {
		return false
	}
	return m.bits[cpu/wordBits]&(1<<uint(cpu%wordBits)) != 0
}

// Or sets m to a | b. The three masks must be of equal size.
func (m *Mask) Or(a, b Mask) {
	for i := range m.bits {
		m.bits[i] = a.bits[i] | b.bits[i]
	}
}

// And sets m to a & b.
func (m *Mask) And(a, b Mask) {
	for i := range m.bits {
		m.bits[i] = a.bits[i] & b.bits[i]
	}
}

// AndNot sets m to a &^ b.
func (m *Mask) AndNot(a, b Mask) {
	for i := range m.bits {
		m.bits[i] = a.bits[i] &^ b.bits[i]
	}
}

func (m Mask) Intersects(o Mask) bool {
	for i := range m.bits {
		if m.bits[i]&o.bits[i] != 0 {
			return true
		}
	}
	return false
}

// Subset reports whether every pCPU in m is also in o.
func (m Mask) Subset(o Mask) bool {
	for i := range m.bits {
		if m.bits[i]&^o.bits[i] != 0 {
			return false
		}
	}
	return true
}

func (m Mask) Equal(o Mask) bool {
	if m.n != o.n {
		return false
	}
	for i := range m.bits {
		if m.bits[i] != o.bits[i] {
			return false
		}
	}
	return true
}

func (m Mask) IsEmpty() bool {
	for i := range m.bits {
		if m.bits[i] != 0 {
			return false
		}
	}
	return true
}

// Weight returns the number of pCPUs set in the mask.
func (m Mask) Weight() int {
	w := 0
	for _, word := range m.bits {
		for ; word != 0; word &= word - 1 {
			w++
		}
	}
	return w
}

// First returns the lowest pCPU in the mask, or -1 if the mask is empty.
func (m Mask) First() int {
	for cpu := 0; cpu < m.n; cpu++ {
		if m.Test(cpu) {
			return cpu
		}
	}
	return -1
}

// NextAfter returns the lowest pCPU in the mask greater than cpu, or -1.
func (m Mask) NextAfter(cpu int) int {
	for c := cpu + 1; c < m.n; c++ {
		if m.Test(c) {
			return c
		}
	}
	return -1
}

// ForEach calls fn for every pCPU in the mask in ascending order.
func (m Mask) ForEach(fn func(cpu int)) {
	for cpu := 0; cpu < m.n; cpu++ {
		if m.Test(cpu) {
			fn(cpu)
		}
	}
}

func (m Mask) Clone() Mask {
	cp := Mask{bits: make([]uint64, len(m.bits)), n: m.n}
	copy(cp.bits, m.bits)
	return cp
}

// CopyFrom overwrites m with the contents of o. Sizes must match.
func (m *Mask) CopyFrom(o Mask) {
	copy(m.bits, o.bits)
}

// CPUs returns the mask as a sorted slice of pCPU IDs.
func (m Mask) CPUs() []int {
	out := make([]int, 0, m.Weight())
	m.ForEach(func(cpu int) { out = append(out, cpu) })
	return out
}

// String renders the mask in cpuset spec form, e.g. "0-3,8".
func (m Mask) String() string {
	return FormatSpec(m.CPUs())
}

// FromCPUs builds a mask of size n from a slice of pCPU IDs.
func FromCPUs(n int, cpus []int) (Mask, error) {
	m := New(n)
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= n {
			return Mask{}, fmt.Errorf("cpu %d outside pool of size %d", cpu, n)
		}
		m.Set(cpu)
	}
	return m, nil
}

// ParseSpec parses CPU specification strings like "0", "0,2,4", or "0-3".
func ParseSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	return cpus, nil
}

// ParseMask parses a cpuset spec string into a mask of size n.
func ParseMask(n int, spec string) (Mask, error) {
	cpus, err := ParseSpec(spec)
	if err != nil {
		return Mask{}, err
	}
	return FromCPUs(n, cpus)
}

// FormatSpec renders sorted CPU IDs in compact cpuset form, collapsing
// runs into ranges.
func FormatSpec(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}

	var b strings.Builder
	start := cpus[0]
	prev := cpus[0]

	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}

	for _, cpu := range cpus[1:] {
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush(prev)
		start = cpu
		prev = cpu
	}
	flush(prev)

	return b.String()
}
