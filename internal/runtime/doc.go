// Package runtime wires storage, config and metrics into a single-process
// runnel instance. It owns the Pebble store and hands out exactly one event
// log per stream partition, which every publisher and delivery loop in the
// process shares.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	lg, _ := rt.Log("orders", 0)
//	_, _ = lg.Append(context.Background(), []eventlog.AppendRecord{{Payload: []byte("hello")}})
package runtime
