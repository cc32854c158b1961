package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// FunctionProfile holds counters for one function. Hash 0 collects the code
// executed by root frames outside any function.
type FunctionProfile struct {
	Hash  int
	Name  string
	Calls uint64 // CALLs that targeted this function
	Steps uint64 // instructions executed in its frames
	IsHot bool   // Calls reached the hot threshold
}

// OpcodeCount is the execution count of one opcode.
type OpcodeCount struct {
	Op    Opcode
	Count uint64
}

// Profiler counts executed instructions per function and per opcode. It
// observes a VM through its Tracer.
type Profiler struct {
	mu        sync.Mutex
	starts    map[int]int // FN marker position -> hash
	names     map[int]string
	functions map[int]*FunctionProfile
	opcodes   [256]uint64

	// HotThreshold is the call count at which a function is marked hot.
	HotThreshold uint64

	// OnHot is called once per function, when it becomes hot.
	OnHot func(profile FunctionProfile)
}

// NewProfiler creates a profiler for program p with a hot threshold of 100
// calls.
func NewProfiler(p *Program) *Profiler {
	prof := &Profiler{
		starts:       make(map[int]int),
		names:        map[int]string{0: "<main>"},
		functions:    make(map[int]*FunctionProfile),
		HotThreshold: 100,
	}
	for _, h := range p.Headers() {
		if h.Kind == HeaderFunction {
			prof.starts[h.Start] = h.Hash
			prof.names[h.Hash] = h.Name
		}
	}
	return prof
}

// Tracer returns the hook to install with VM.SetTracer.
func (p *Profiler) Tracer() Tracer {
	return func(_ ThreadID, frame FrameInfo, in Instruction) {
		p.record(frame, in)
	}
}

func (p *Profiler) profile(hash int) *FunctionProfile {
	fp, ok := p.functions[hash]
	if !ok {
		fp = &FunctionProfile{Hash: hash, Name: p.names[hash]}
		p.functions[hash] = fp
	}
	return fp
}

func (p *Profiler) record(frame FrameInfo, in Instruction) {
	var hot *FunctionProfile

	p.mu.Lock()
	p.opcodes[in.Op]++
	p.profile(frame.Hash).Steps++
	if in.Op == OpCALL && in.Addr.Mode == Absolute {
		if hash, ok := p.starts[in.Addr.Addr]; ok {
			callee := p.profile(hash)
			callee.Calls++
			if !callee.IsHot && callee.Calls >= p.HotThreshold {
				callee.IsHot = true
				hot = callee
			}
		}
	}
	var snapshot FunctionProfile
	if hot != nil {
		snapshot = *hot
	}
	p.mu.Unlock()

	if hot != nil && p.OnHot != nil {
		p.OnHot(snapshot)
	}
}

// Function returns the profile for hash.
func (p *Profiler) Function(hash int) (FunctionProfile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.functions[hash]; ok {
		return *fp, true
	}
	return FunctionProfile{}, false
}

// OpcodeCount returns how often op executed.
func (p *Profiler) OpcodeCount(op Opcode) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opcodes[op]
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions    int    // functions with at least one step or call
	HotFunctions int    // functions past the hot threshold
	Steps        uint64 // instructions executed
	Calls        uint64 // resolved CALLs
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats ProfilerStats
	for _, fp := range p.functions {
		stats.Functions++
		stats.Steps += fp.Steps
		stats.Calls += fp.Calls
		if fp.IsHot {
			stats.HotFunctions++
		}
	}
	return stats
}

// TopFunctions returns the n functions with the most steps.
func (p *Profiler) TopFunctions(n int) []FunctionProfile {
	p.mu.Lock()
	all := make([]FunctionProfile, 0, len(p.functions))
	for _, fp := range p.functions {
		all = append(all, *fp)
	}
	p.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Steps != all[j].Steps {
			return all[i].Steps > all[j].Steps
		}
		return all[i].Hash < all[j].Hash
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// TopOpcodes returns the n most executed opcodes.
func (p *Profiler) TopOpcodes(n int) []OpcodeCount {
	p.mu.Lock()
	var all []OpcodeCount
	for op, c := range p.opcodes {
		if c > 0 {
			all = append(all, OpcodeCount{Op: Opcode(op), Count: c})
		}
	}
	p.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Op < all[j].Op
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.functions = make(map[int]*FunctionProfile)
	p.opcodes = [256]uint64{}
}

// WriteReport prints the top n functions and opcodes.
func (p *Profiler) WriteReport(w io.Writer, n int) error {
	stats := p.Stats()
	if _, err := fmt.Fprintf(w, "; profile: %d steps, %d calls, %d functions (%d hot)\n",
		stats.Steps, stats.Calls, stats.Functions, stats.HotFunctions); err != nil {
		return err
	}
	for _, fp := range p.TopFunctions(n) {
		hot := ""
		if fp.IsHot {
			hot = "  hot"
		}
		if _, err := fmt.Fprintf(w, ";   %-16s hash=%-6d steps=%-8d calls=%d%s\n", fp.Name, fp.Hash, fp.Steps, fp.Calls, hot); err != nil {
			return err
		}
	}
	for _, oc := range p.TopOpcodes(n) {
		if _, err := fmt.Fprintf(w, ";   %-6s %d\n", oc.Op, oc.Count); err != nil {
			return err
		}
	}
	return nil
}
