package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ramses/internal/bridges/ramses"
)

// maxLineLength bounds one input line of decode.
const maxLineLength = 64 * 1024

// signalColumnWidth is the width of the signal column ("045" or "---").
// A longer first column is a timestamp.
const signalColumnWidth = 3

var (
	decodeJSON   bool
	decodeDedupe bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode packet log lines",
	Long: `Decode reads frame lines, as written by the packet log ("{ts} {line}")
or as bare received lines, and prints each decoded payload. It reads stdin
when no file is given or the file is "-".

With --dedupe a frame heard again straight after itself, as happens when
several gateways or a repeater pick it up, is skipped. The signal column is
ignored for the comparison.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		opts := decodeOptions{asJSON: decodeJSON, dedupe: decodeDedupe}
		stats, err := decodeLines(in, cmd.OutOrStdout(), opts)
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("%d lines, %d decoded, %d failed", stats.lines, stats.decoded, stats.failed)
		if decodeDedupe {
			summary += fmt.Sprintf(", %d duplicates skipped", stats.duplicates)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), summary)
		return nil
	},
}

var (
	presetsRemote string
	presetsFan    string
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List fan presets",
	Long: `Presets lists the fan presets with the message code and payload each one
sends. With --fan the full transmit line is shown as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printPresets(cmd.OutOrStdout(), presetsRemote, presetsFan)
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "print one JSON object per line")
	decodeCmd.Flags().BoolVar(&decodeDedupe, "dedupe", false, "skip a frame that repeats the previous one")
	presetsCmd.Flags().StringVar(&presetsRemote, "remote", ramses.DefaultRemoteID, "remote id the commands are sent from")
	presetsCmd.Flags().StringVar(&presetsFan, "fan", "", "fan id, shows the transmit line when set")
}

// decodeOptions selects the output of decodeLines.
type decodeOptions struct {
	asJSON bool
	dedupe bool
}

// decodeStats counts the lines processed by decodeLines. Skipped
// duplicates are not counted in lines.
type decodeStats struct {
	lines      int
	decoded    int
	failed     int
	duplicates int
}

// decodedLine is the --json output of one line.
type decodedLine struct {
	Timestamp string         `json:"ts,omitempty"`
	Line      string         `json:"msg"`
	Code      string         `json:"code,omitempty"`
	Label     string         `json:"label,omitempty"`
	Src       string         `json:"src,omitempty"`
	Dst       string         `json:"dst,omitempty"`
	Request   bool           `json:"request,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// decodeLines decodes every non-empty line of r. Lines starting with '#'
// are skipped. Failed lines are reported and counted but do not stop the
// run.
func decodeLines(r io.Reader, w io.Writer, opts decodeOptions) (decodeStats, error) {
	var stats decodeStats
	registry := ramses.DefaultRegistry()
	enc := json.NewEncoder(w)
	var previous string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		env := splitEnvelope(text)
		if opts.dedupe {
			key := dedupeKey(env.Line)
			if key == previous {
				stats.duplicates++
				continue
			}
			previous = key
		}
		stats.lines++

		out := decodeLine(registry, env)
		if out.Error != "" {
			stats.failed++
		} else {
			stats.decoded++
		}

		if opts.asJSON {
			if err := enc.Encode(out); err != nil {
				return stats, fmt.Errorf("writing output: %w", err)
			}
			continue
		}
		if _, err := fmt.Fprintln(w, formatDecoded(out)); err != nil {
			return stats, fmt.Errorf("writing output: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading input: %w", err)
	}
	return stats, nil
}

// dedupeKey is the frame without its signal column.
func dedupeKey(line string) string {
	if len(line) > signalColumnWidth+1 {
		return line[signalColumnWidth+1:]
	}
	return line
}

// splitEnvelope separates an optional leading timestamp from the frame.
func splitEnvelope(text string) ramses.Envelope {
	first, rest, found := strings.Cut(text, " ")
	if found && len(first) > signalColumnWidth {
		return ramses.Envelope{Timestamp: first, Line: strings.TrimSpace(rest)}
	}
	return ramses.Envelope{Line: text}
}

func decodeLine(registry *ramses.Registry, env ramses.Envelope) decodedLine {
	out := decodedLine{Timestamp: env.Timestamp, Line: env.Line}

	f, err := ramses.ParseFrame(env)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Code = string(f.Code)
	out.Src = f.Src.String()
	out.Dst = f.Dst.String()

	p, err := registry.Decode(f)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Label = p.Label()
	out.Request = p.IsRequest()
	out.Fields = p.Fields()
	return out
}

func formatDecoded(d decodedLine) string {
	var b strings.Builder
	if d.Timestamp != "" {
		b.WriteString(d.Timestamp)
		b.WriteByte(' ')
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "! %s", d.Error)
		return b.String()
	}

	fmt.Fprintf(&b, "%s %s -> %s %s", d.Code, d.Src, d.Dst, d.Label)
	if d.Request {
		b.WriteString(" (request)")
		return b.String()
	}
	fields, err := json.Marshal(d.Fields)
	if err == nil {
		b.WriteByte(' ')
		b.Write(fields)
	}
	return b.String()
}

func printPresets(w io.Writer, remoteID, fanID string) error {
	remote, err := ramses.ParseAddress(remoteID)
	if err != nil {
		return fmt.Errorf("--remote: %w", err)
	}
	var fan ramses.Address
	if fanID != "" {
		if fan, err = ramses.ParseAddress(fanID); err != nil {
			return fmt.Errorf("--fan: %w", err)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "PRESET\tCODE\tPAYLOAD"
	if fanID != "" {
		header += "\tTRANSMIT"
	}
	fmt.Fprintln(tw, header)

	for _, name := range ramses.Presets() {
		f, err := ramses.FanCommand(name, remote, fan)
		if err != nil {
			return err
		}
		row := fmt.Sprintf("%s\t%s\t%s", name, f.Code, f.Payload())
		if fanID != "" {
			row += "\t" + f.TransmitLine()
		}
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}
