package importer

import "sync/atomic"

// Progress holds live counters updated while an import runs. All fields are
// atomic so the HTTP handler can read them without locks.
type Progress struct {
	FilesDiscovered atomic.Int64
	FilesImported   atomic.Int64
	FilesSkipped    atomic.Int64
	FilesFailed     atomic.Int64
	RowsImported    atomic.Int64
	ResultsMigrated atomic.Int64
	CircuitsPruned  atomic.Int64
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	FilesDiscovered int64 `json:"files_discovered"`
	FilesImported   int64 `json:"files_imported"`
	FilesSkipped    int64 `json:"files_skipped"`
	FilesFailed     int64 `json:"files_failed"`
	RowsImported    int64 `json:"rows_imported"`
	ResultsMigrated int64 `json:"results_migrated"`
	CircuitsPruned  int64 `json:"circuits_pruned"`
}

// Snapshot reads every counter.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		FilesDiscovered: p.FilesDiscovered.Load(),
		FilesImported:   p.FilesImported.Load(),
		FilesSkipped:    p.FilesSkipped.Load(),
		FilesFailed:     p.FilesFailed.Load(),
		RowsImported:    p.RowsImported.Load(),
		ResultsMigrated: p.ResultsMigrated.Load(),
		CircuitsPruned:  p.CircuitsPruned.Load(),
	}
}
