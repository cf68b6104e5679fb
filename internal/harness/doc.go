// Package harness runs recovery scenarios end to end.
//
// A scenario seeds a throwaway archive and an in-memory live store, runs
// the detect, replay, reconcile and apply pipeline once, and checks the
// outcome against assertions and an optional golden snapshot.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: orders_manual_window
//	description: "Replay one hour and repair the live totals"
//	plan: |
//	  plan: {
//	    partitions: ["orders"]
//	    versions: v1: {from: "2024-01-01T00:00:00Z", rule: {metric: "sum", field: "amount"}}
//	  }
//	events:
//	  - {id: e1, partition: orders, key: user=1, at: "2024-06-01T00:10:00Z", payload: {amount: 10}}
//	live:
//	  - {key: user=1, value: 3, logic_version: v1}
//	recover:
//	  window: {start: "2024-06-01T00:00:00Z", end: "2024-06-01T01:00:00Z"}
//	assertions:
//	  - type: live_value
//	    key: user=1
//	    value: 10
//
// Events without an offset get the next one in their partition. plan_file
// may replace the inline plan; it resolves relative to the scenario file.
//
// # Assertion Types
//
//   - live_value: a key's final live value, or absent: true
//   - correction: a correction with the given key and reason was produced
//   - summary: reconciliation counts summed over every window
//   - window_count: number of windows recovered
//   - applied_count: number of batches committed
//   - error: the run failed with a message containing the given text
//
// # Deterministic Testing
//
// The run ID is the scenario name and offsets come from
// testutil.OffsetClock, so the snapshot written by AssertGolden is stable
// across runs. Durations, fingerprints and batch IDs are left out of it.
package harness
