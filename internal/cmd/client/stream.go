package client

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/cmd/output"
	"github.com/rzbill/runnel/internal/jsoncodec"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}
	streamCmd.AddCommand(
		newStreamCreateCommand(baseURL),
		newStreamListCommand(baseURL),
		newStreamStatsCommand(baseURL),
		newStreamMessagesCommand(baseURL),
		newStreamTailCommand(baseURL),
	)
	return streamCmd
}

func newStreamCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a stream, or update the size and retention of an existing one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			partitions, _ := cmd.Flags().GetInt("partitions")
			retention, _ := cmd.Flags().GetDuration("retention")
			hasher, _ := cmd.Flags().GetString("hasher")
			codecName, _ := cmd.Flags().GetString("codec")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			body := map[string]any{
				"stream":      name,
				"partitions":  partitions,
				"retentionMs": retention.Milliseconds(),
				"hasher":      hasher,
				"codec":       codecName,
			}
			if cmd.Flags().Changed("partition-size") {
				size, _ := cmd.Flags().GetInt("partition-size")
				body["partitionSize"] = size
			}
			var meta catalog.StreamMeta
			if err := postJSON(cmd.Context(), baseURL(), "/v1/streams/create", body, &meta); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stream %s: %d partitions, size %d\n", meta.Name, meta.Partitions, meta.PartitionSize)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Stream name")
	createCmd.Flags().Int("partitions", 0, "Partition count (fixed once created; 0 keeps the stored or default count)")
	createCmd.Flags().Int("partition-size", 0, "Records kept per partition (0 disables count trimming)")
	createCmd.Flags().Duration("retention", 0, "Trim records older than this (e.g. 72h)")
	createCmd.Flags().String("hasher", "", "Partition hasher: xxh3|crc32|fnv (default xxh3, or the stored one)")
	createCmd.Flags().String("codec", "", "Record codec: json|proto|raw (default json, or the stored one)")
	return createCmd
}

func newStreamListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Streams []catalog.StreamMeta `json:"streams"`
			}
			if err := getJSON(cmd.Context(), baseURL(), "/v1/streams", nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tPARTITIONS\tSIZE\tRETENTION\tCODEC\tHASHER")
			for _, s := range out.Streams {
				retention := "-"
				if s.RetentionMs > 0 {
					retention = (time.Duration(s.RetentionMs) * time.Millisecond).String()
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", s.Name, s.Partitions, s.PartitionSize, retention, s.Codec, s.Hasher)
			}
			return tw.Flush()
		},
	}
}

func newStreamStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Get per-partition stream stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			var out map[string]any
			if err := getJSON(cmd.Context(), baseURL(), "/v1/streams/stats", url.Values{"stream": {name}}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	statsCmd.Flags().String("name", "", "Stream name")
	return statsCmd
}

func newStreamMessagesCommand(baseURL BaseURLFunc) *cobra.Command {
	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "Page through the records of one partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			partition, _ := cmd.Flags().GetInt("partition")
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			reverse, _ := cmd.Flags().GetBool("reverse")
			format, _ := cmd.Flags().GetString("output")
			if err := output.CheckFormat(format); err != nil {
				return err
			}
			q := url.Values{
				"stream":    {name},
				"partition": {strconv.Itoa(partition)},
				"limit":     {strconv.Itoa(limit)},
				"reverse":   {strconv.FormatBool(reverse)},
			}
			if from > 0 {
				q.Set("from", strconv.FormatUint(from, 10))
			}
			var page struct {
				Messages []output.Record `json:"messages"`
				Next     uint64          `json:"next"`
			}
			if err := getJSON(cmd.Context(), baseURL(), "/v1/streams/messages", q, &page); err != nil {
				return err
			}
			for _, r := range page.Messages {
				if err := output.Write(cmd.OutOrStdout(), format, r); err != nil {
					return err
				}
			}
			if page.Next > 0 {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "next: --from %d\n", page.Next)
			}
			return nil
		},
	}
	messagesCmd.Flags().String("name", "", "Stream name")
	messagesCmd.Flags().Int("partition", 0, "Partition number")
	messagesCmd.Flags().Uint64("from", 0, "Start at this seq (0 = oldest, or newest with --reverse)")
	messagesCmd.Flags().Int("limit", 100, "Max records to return")
	messagesCmd.Flags().Bool("reverse", false, "Read newest-to-oldest")
	messagesCmd.Flags().StringP("output", "o", output.FormatText, "Output format: text|json")
	return messagesCmd
}

// newStreamTailCommand follows a partition over Server-Sent Events. It does
// not move any processor's cursor.
func newStreamTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow new records of one partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			partition, _ := cmd.Flags().GetInt("partition")
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("output")
			if err := output.CheckFormat(format); err != nil {
				return err
			}
			q := url.Values{"stream": {name}, "partition": {strconv.Itoa(partition)}}
			if cmd.Flags().Changed("from") {
				from, _ := cmd.Flags().GetUint64("from")
				q.Set("from", strconv.FormatUint(from, 10))
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL()+"/v1/streams/tail?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 300 {
				var body struct {
					Error string `json:"error"`
				}
				_ = jsoncodec.Decode(resp.Body, &body)
				return &apiError{Status: resp.StatusCode, Msg: body.Error}
			}

			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
			seen := 0
			for sc.Scan() {
				line, ok := strings.CutPrefix(sc.Text(), "data: ")
				if !ok {
					continue
				}
				var r output.Record
				if err := jsoncodec.Unmarshal([]byte(line), &r); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				if err := output.Write(cmd.OutOrStdout(), format, r); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return sc.Err()
		},
	}
	tailCmd.Flags().String("name", "", "Stream name")
	tailCmd.Flags().Int("partition", 0, "Partition number")
	tailCmd.Flags().Uint64("from", 0, "Start at this seq instead of after the current tail")
	tailCmd.Flags().Int("limit", 0, "Stop after this many records (0 = follow until interrupted)")
	tailCmd.Flags().StringP("output", "o", output.FormatText, "Output format: text|json")
	return tailCmd
}
