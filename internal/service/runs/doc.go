// Package runs is the entry point for executing a pipeline.
//
// Flow:
//   - bind parameters and build the plan (configuration and missing-parameter
//     errors return before anything is submitted)
//   - submit to an orchestrator and wait for a final status
//   - record the finished run and emit run.started / run.<status> audit events
//
// A caller whose context ends while waiting cancels the run; the cancelled run
// is still recorded.
package runs
