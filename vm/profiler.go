package vm

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// ---------------------------------------------------------------------------
// Execution profiler
// ---------------------------------------------------------------------------

// Profiler counts executed opcodes and function calls. It is owned by one
// interpreter and is not safe for concurrent use; aggregate across
// interpreters by flushing each into the same database.
type Profiler struct {
	opCounts   [256]uint64
	callCounts map[string]uint64
	started    time.Time
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{
		callCounts: make(map[string]uint64),
		started:    time.Now(),
	}
}

// RecordOp counts one executed instruction.
func (p *Profiler) RecordOp(op Opcode) { p.opCounts[op]++ }

// RecordCall counts one call frame pushed for the named function.
func (p *Profiler) RecordCall(name string) { p.callCounts[name]++ }

// OpCount returns how many times op executed.
func (p *Profiler) OpCount(op Opcode) uint64 { return p.opCounts[op] }

// CallCount returns how many times the named function was entered.
func (p *Profiler) CallCount(name string) uint64 { return p.callCounts[name] }

// TotalOps returns the total executed instruction count.
func (p *Profiler) TotalOps() uint64 {
	var total uint64
	for _, n := range p.opCounts {
		total += n
	}
	return total
}

// Reset clears all counters.
func (p *Profiler) Reset() {
	p.opCounts = [256]uint64{}
	p.callCounts = make(map[string]uint64)
	p.started = time.Now()
}

// HotFunctions returns function names ordered by call count, descending.
func (p *Profiler) HotFunctions() []string {
	names := make([]string, 0, len(p.callCounts))
	for name := range p.callCounts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if p.callCounts[names[i]] != p.callCounts[names[j]] {
			return p.callCounts[names[i]] > p.callCounts[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// OpenProfileDB opens (or creates) a DuckDB profile database at path. An
// empty path opens an in-memory database.
func OpenProfileDB(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("vm: open profile db: %w", err)
	}
	return db, nil
}

const profileSchema = `
CREATE TABLE IF NOT EXISTS op_counts (
	run_id    TIMESTAMP NOT NULL,
	module    VARCHAR NOT NULL,
	opcode    VARCHAR NOT NULL,
	executed  UBIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS call_counts (
	run_id    TIMESTAMP NOT NULL,
	module    VARCHAR NOT NULL,
	function  VARCHAR NOT NULL,
	calls     UBIGINT NOT NULL
);`

// Flush appends the current counters to the profile database under the
// given module name. Counters are left intact; call Reset to start a new
// run.
func (p *Profiler) Flush(db *sql.DB, moduleName string) error {
	if _, err := db.Exec(profileSchema); err != nil {
		return fmt.Errorf("vm: profile schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("vm: profile flush: %w", err)
	}
	defer tx.Rollback()

	runID := p.started
	for op, n := range p.opCounts {
		if n == 0 {
			continue
		}
		_, err := tx.Exec(
			`INSERT INTO op_counts (run_id, module, opcode, executed) VALUES (?, ?, ?, ?)`,
			runID, moduleName, Opcode(op).String(), n)
		if err != nil {
			return fmt.Errorf("vm: profile flush: %w", err)
		}
	}
	for name, n := range p.callCounts {
		_, err := tx.Exec(
			`INSERT INTO call_counts (run_id, module, function, calls) VALUES (?, ?, ?, ?)`,
			runID, moduleName, name, n)
		if err != nil {
			return fmt.Errorf("vm: profile flush: %w", err)
		}
	}
	return tx.Commit()
}
