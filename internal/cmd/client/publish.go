package client

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type offset struct {
	Partition int    `json:"partition"`
	Seq       uint64 `json:"seq"`
	ID        string `json:"id"`
}

// NewPublishCommand constructs `publish`, which appends one record through
// the admin API.
func NewPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a record to a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _ := cmd.Flags().GetString("stream")
			key, _ := cmd.Flags().GetString("key")
			data, _ := cmd.Flags().GetString("data")
			dataFile, _ := cmd.Flags().GetString("data-file")
			idk, _ := cmd.Flags().GetString("idempotency-key")
			rawHeaders, _ := cmd.Flags().GetStringArray("header")
			headersJSON, _ := cmd.Flags().GetString("header-json")
			if st == "" {
				return fmt.Errorf("--stream is required")
			}
			headers, err := parseHeaders(rawHeaders, headersJSON)
			if err != nil {
				return err
			}

			payload := []byte(data)
			switch dataFile {
			case "":
			case "-":
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			default:
				if payload, err = os.ReadFile(dataFile); err != nil {
					return err
				}
			}

			var off offset
			if err := postJSON(cmd.Context(), baseURL(), "/v1/publish", map[string]any{
				"stream":         st,
				"key":            key,
				"payload":        payload,
				"headers":        headers,
				"idempotencyKey": idk,
			}, &off); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "partition=%d seq=%d id=%s\n", off.Partition, off.Seq, off.ID)
			return nil
		},
	}
	publishCmd.Flags().String("stream", "", "Stream")
	publishCmd.Flags().String("key", "", "Partition key")
	publishCmd.Flags().String("data", "", "Payload data")
	publishCmd.Flags().String("data-file", "", "Read the payload from a file, or - for stdin")
	publishCmd.Flags().String("idempotency-key", "", "Publishing the same key twice returns the first offset")
	publishCmd.Flags().StringArray("header", []string{}, "Record header key=value (repeat)")
	publishCmd.Flags().String("header-json", "", "Headers as JSON object, e.g. '{\"k\":\"v\"}'")
	return publishCmd
}
