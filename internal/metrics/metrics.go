package metrics

import "expvar"

var (
	CyclesRun       = expvar.NewInt("cycles_run")
	CycleFailures   = expvar.NewInt("cycle_failures")
	OrdersPlaced    = expvar.NewInt("orders_placed")
	OrdersRejected  = expvar.NewInt("orders_rejected")
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")
	SnapshotSaves   = expvar.NewInt("snapshot_saves")
	SnapshotLoads   = expvar.NewInt("snapshot_loads")
)
