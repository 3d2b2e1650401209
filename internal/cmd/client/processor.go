package client

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/processor"
)

// NewStatusCommand constructs `status`. Without --processor it lists streams
// and processors; with it, it prints the processor's partitions.
func NewStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show streams, processors and partition ownership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("processor")
			asJSON, _ := cmd.Flags().GetBool("json")
			w := cmd.OutOrStdout()
			if name == "" {
				var out struct {
					Streams    []catalog.StreamMeta    `json:"streams"`
					Processors []catalog.ProcessorMeta `json:"processors"`
				}
				if err := getJSON(cmd.Context(), baseURL(), "/v1/status", nil, &out); err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, out)
				}
				return printOverview(w, out.Streams, out.Processors)
			}
			var st processor.Status
			if err := getJSON(cmd.Context(), baseURL(), "/v1/status", url.Values{"processor": {name}}, &st); err != nil {
				return err
			}
			if asJSON {
				return printJSON(w, st)
			}
			return printStatus(w, st)
		},
	}
	statusCmd.Flags().String("processor", "", "Processor name")
	statusCmd.Flags().Bool("json", false, "Print raw JSON")
	return statusCmd
}

// NewPoisonCommand constructs the `poison` group.
func NewPoisonCommand(baseURL BaseURLFunc) *cobra.Command {
	poisonCmd := &cobra.Command{Use: "poison", Short: "Quarantine management"}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Lift a partition's quarantine and redeliver its stuck records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("processor")
			partition, _ := cmd.Flags().GetInt("partition")
			if name == "" || !cmd.Flags().Changed("partition") {
				return fmt.Errorf("--processor and --partition are required")
			}
			var out struct {
				Requeued int `json:"requeued"`
			}
			if err := postJSON(cmd.Context(), baseURL(), "/v1/poison/clear", map[string]any{
				"processor": name,
				"partition": partition,
			}, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "partition %d cleared, %d records requeued\n", partition, out.Requeued)
			return nil
		},
	}
	clearCmd.Flags().String("processor", "", "Processor name")
	clearCmd.Flags().Int("partition", 0, "Partition number")
	poisonCmd.AddCommand(clearCmd)
	return poisonCmd
}

func printOverview(w io.Writer, streams []catalog.StreamMeta, procs []catalog.ProcessorMeta) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STREAM\tPARTITIONS\tSIZE\tCODEC")
	for _, s := range streams {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Name, s.Partitions, s.PartitionSize, s.Codec)
	}
	_, _ = fmt.Fprintln(tw)
	_, _ = fmt.Fprintln(tw, "PROCESSOR\tSTREAM\tPOLICY")
	for _, p := range procs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Stream, p.Policy)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, st processor.Status) error {
	_, _ = fmt.Fprintf(w, "processor %s on stream %s (policy %s, %d members)\n", st.Processor, st.Stream, st.Policy, len(st.Members))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PARTITION\tOWNER\tLEASE\tCURSOR\tLAST\tLAG\tINFLIGHT\tPENDING\tPOISONED")
	now := time.Now().UnixMilli()
	for _, p := range st.Partitions {
		owner, lease := "-", "-"
		if p.Owner != "" {
			owner = p.Owner
			lease = (time.Duration(p.LeaseExpiresMs-now) * time.Millisecond).Round(time.Second).String()
		}
		poisoned := "-"
		if p.Poisoned {
			poisoned = fmt.Sprintf("seq %d: %s", p.PoisonSeq, p.PoisonReason)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			p.Partition, owner, lease, p.Cursor, p.LastSeq, p.Lag, p.InFlight, p.Pending, poisoned)
	}
	return tw.Flush()
}
