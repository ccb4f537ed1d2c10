// Package harness runs correlation scenarios against the real store,
// correlator, janitor and re-evaluation decider.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	start: 2019-05-20T12:00:00Z
//	flow:
//	  - submit: { as: first, key: "123", context: decision, computationDate: 2019-05-20, subjectId: "1234" }
//	  - result: { request: first, resultSetId: rs-1, kinds: [threshold, period, base, dailyRate], qualified: true }
//	  - consume: { result: rs-1-period, consumer: vedtak }
//	  - advance: 721h
//	  - sweep: true
//	  - reevaluate: { results: [rs-1-base], date: 2020-01-01, qualified: false }
//	assertions:
//	  - type: status
//	    request: first
//	    is: DONE
//	    resultSet: rs-1
//
// Each flow step holds exactly one action. Requests are named by the alias
// given with "as"; a name that is not an alias is used as a request id.
//
// # Assertion Types
//
//   - status: the request is PENDING, DONE (optionally by resultSet) or NOT_FOUND
//   - published: exactly count requests were published to topic
//   - consumed: resultSet has a consumption record, optionally by consumer
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential correlation ids (req-1, req-2, ...)
//   - A manual clock that only moves on advance steps
//   - In-memory SQLite database (isolated per run)
//   - Result and consumption messages handled synchronously, in flow order
//
// This ensures identical traces across runs for golden file comparison.
package harness
