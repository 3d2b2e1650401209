// Package workerrun is the entrypoint shared by the `worker` and `admin`
// commands. It opens the store, serves the admin HTTP and gRPC endpoints and,
// when a stream is named, runs a processor that prints the stream's records.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Admin.HTTPAddr = ":7070"
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	_ = workerrun.Run(ctx, workerrun.Options{Config: cfg, Stream: "orders", Processor: "orders-printer"})
package workerrun
