// Package grpcserver serves the standard gRPC health protocol for a runnel
// process. The empty service name reflects store health; each registered
// processor is reported under "runnel.processor/<name>".
//
// Example:
//
//	s := grpcserver.New(app, logger)
//	s.Register(proc)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7071")
package grpcserver
