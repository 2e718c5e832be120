// Package results implements the results aggregation pipeline.
//
// A run takes one results request and walks it through:
//   - guard: requests older than the timeout, or already complete, yield no work
//   - resolve: the request mode becomes an ordered list of experiment ids
//   - locate: each experiment's selected output, metadata and data repository
//   - retrieve: credentials are decrypted and the artifact fetched, each under
//     its own deadline
//   - assemble: the JSON artifact becomes a normalized result entry
//   - complete: the entries are persisted with a single conditional write
//
// Failures inside the candidate loop skip that experiment and are counted by
// reason. Failures loading or completing the request abort the run and leave
// the request pending. Runs never reschedule themselves.
package results
