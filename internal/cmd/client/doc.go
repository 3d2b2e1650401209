// Package client provides the operator commands of the `runnel` binary.
//
// Every command talks to the admin HTTP API of a running worker, so they
// work while the worker holds the store open. The base URL comes from the
// RUNNEL_HTTP environment variable (default http://127.0.0.1:7070).
//
// Usage
//
//	runnel stream create --name orders --partitions 16 --codec json
//	runnel stream list
//	runnel stream stats --name orders
//	runnel stream messages --name orders --partition 3 --limit 10
//	runnel stream tail --name orders --partition 3
//
//	runnel publish --stream orders --key c-1 --data '{"total":42}' \
//	    --header source=cli --idempotency-key order-42
//
//	runnel status                        # streams and processors
//	runnel status --processor billing    # per-partition owner, lag, poison
//
//	runnel poison clear --processor billing --partition 3
package client
