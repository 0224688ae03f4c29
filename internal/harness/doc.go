// Package harness runs scripted sync scenarios end to end.
//
// A scenario is a YAML file of steps executed against a fresh in-memory
// SQLite store and an in-memory remote, all sharing one fake clock:
//
//	name: offline_sale_then_sync
//	description: A sale recorded offline reaches the remote once online.
//	steps:
//	  - do: offline
//	  - do: sale
//	    args: {id: s1, customer: c1}
//	  - do: sync
//	    expect: {transactions_failed: 1}
//	  - do: online
//	  - do: sync
//	    expect: {transactions_synced: 1, invalidated: [customer_subscriptions, customers, dashboard, reports, sales]}
//	assertions:
//	  - type: pending
//	    queue: transactions
//	    count: 0
//	  - type: final_state
//	    table: customers
//	    where: {id: c1}
//	    expect: {visit_count: 1}
//
// Every step is recorded in the trace with its args and result, and every
// call the engine makes on the remote is recorded with its key and
// outcome. Step expectations and assertions use subset matching on the
// JSON form of values.
//
// Golden snapshots are canonical JSON, so scenario args must not contain
// fractional numbers; write amounts as strings.
package harness
