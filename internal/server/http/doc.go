// Package httpserver is the admin HTTP surface of a runnel process.
//
// Routes are grouped into controllers (see package controllers):
//
//	GET  /v1/healthz             store health
//	GET  /metrics                Prometheus exposition
//	GET  /v1/streams             registered streams
//	POST /v1/streams/create      register or update a stream
//	GET  /v1/streams/stats       per-partition record counts, ?stream=
//	GET  /v1/streams/messages    page through a partition
//	GET  /v1/streams/tail        follow a partition as Server-Sent Events
//	POST /v1/publish             publish a raw payload
//	GET  /v1/processors          registered processors
//	GET  /v1/status              processor status, ?processor=
//	POST /v1/poison/clear        lift a partition quarantine
//
// Example:
//
//	s := httpserver.New(app, logger, httpserver.WithGatherer(prometheus.DefaultGatherer))
//	s.Register(proc)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package httpserver
