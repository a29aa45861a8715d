// Package harness runs interleaving scenarios against a pairing store.
//
// A scenario seeds a fresh backend, runs a set of scripted workers
// concurrently, and forces their relative order with named checkpoints.
// Reads captured by the workers are classified into concurrency phenomena,
// and the committed end state is checked against the scenario's assertions.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: non_repeatable_read
//	description: "What this scenario demonstrates"
//	backend: memory            # memory, sqlite or postgres
//	repeatable_read: snapshot  # memory only: snapshot or row_pinning
//	checkpoint_timeout: 2s
//	seed: [Jack, Jacob]
//	links:
//	  - [1, 2]
//	checkpoints:
//	  - name: first_read       # arrivals defaults to every worker
//	workers:
//	  - name: reader
//	    steps:
//	      - op: begin
//	        isolation: read_committed
//	      - op: capture
//	        label: ja
//	        query: {kind: name_prefix, prefix: Ja}
//	      - op: arrive
//	        checkpoint: first_read
//	      - op: commit
//	assertions:
//	  - type: phenomenon
//	    phenomenon: non_repeatable_read
//	    present: true
//
// Transaction ops (begin, commit, rollback, capture, fetch, rename, insert,
// delete) act on the worker's own open transaction. Pairing ops (create,
// get, link, update) each run in their own transaction through the pairing
// service. A step may declare expect_error with the code it must fail with.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - phenomenon: a dirty, non-repeatable or phantom read is (not) observed
//   - snapshot_rows: the names returned by one capture
//   - final_state: one committed row after the run
//   - worker_outcome: the code a worker finished with
//   - outcome_count: how many of a group of workers finished with a code
//   - pairing_symmetric: every committed partner link is mutual
//
// # Failures
//
// A checkpoint that does not collect its arrivals in time, or a run that
// exceeds its bound, is a harness failure: Run returns the partial result
// together with the error, and assertions are not evaluated. Assertion
// failures only set Result.Pass to false.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/dirty_read.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
