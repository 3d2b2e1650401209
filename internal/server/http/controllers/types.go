package controllers

// Request and response bodies of the admin API.

type createStreamReq struct {
	Stream        string `json:"stream"`
	Partitions    int    `json:"partitions"`
	PartitionSize *int   `json:"partitionSize,omitempty"`
	RetentionMs   int64  `json:"retentionMs,omitempty"`
	Hasher        string `json:"hasher,omitempty"`
	Codec         string `json:"codec,omitempty"`
}

type publishReq struct {
	Stream         string            `json:"stream"`
	Key            string            `json:"key"`
	Payload        []byte            `json:"payload"`
	Headers        map[string]string `json:"headers"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type poisonClearReq struct {
	Processor string `json:"processor"`
	Partition int    `json:"partition"`
}

// messageJSON is one stored record as served by messages and tail.
type messageJSON struct {
	Partition int               `json:"partition"`
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id,omitempty"`
	Key       string            `json:"key,omitempty"`
	TsMs      int64             `json:"tsMs"`
	Codec     string            `json:"codec,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   []byte            `json:"payload"`
}

type partitionStatsJSON struct {
	Partition int    `json:"partition"`
	FirstSeq  uint64 `json:"firstSeq"`
	LastSeq   uint64 `json:"lastSeq"`
	Count     int    `json:"count"`
	Bytes     int64  `json:"bytes"`
}

type streamStatsJSON struct {
	Stream     string               `json:"stream"`
	Partitions []partitionStatsJSON `json:"partitions"`
	TotalCount int                  `json:"totalCount"`
	TotalBytes int64                `json:"totalBytes"`
}
