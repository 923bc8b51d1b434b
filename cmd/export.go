package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/mbox"
	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/timestamp"
)

func newExportCommand() *cobra.Command {
	var (
		target string
		input  string
	)
	c := &cobra.Command{
		Use:   "export [message-id...]",
		Short: "Copy tracked messages into an mbox archive",
		Long: "Fetch tracked messages from the configured store and append them to a new mbox archive,\n" +
			"which can later be read back with --store=mbox.",
		Example: "  trackex export --mgmt-db MgmtDb --to archive.mbox --in messages.txt",
		RunE: func(c *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--to is required")
			}
			cfg, err := loadStoreConfig(c)
			if err != nil {
				return err
			}
			if cfg.Store == config.StoreMbox && cfg.MboxPath == target {
				return fmt.Errorf("--to must differ from --mbox")
			}
			ids := args
			if input != "" {
				lines, err := readIdentifiers(input)
				if err != nil {
					return err
				}
				ids = append(ids, lines...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no message identifiers given")
			}

			logger := slog.Default()
			s, err := OpenStore(c.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			exporter, err := mbox.NewExporter(target)
			if err != nil {
				return err
			}

			exported := 0
			for _, text := range ids {
				id, err := uuid.Parse(strings.TrimSpace(text))
				if err != nil {
					_ = exporter.Close()
					return fmt.Errorf("invalid message identifier %q: %w", text, err)
				}
				msg, err := s.FetchMessage(c.Context(), id)
				if err != nil {
					_ = exporter.Close()
					return err
				}
				if err := exporter.Add(msg, receivedAt(msg)); err != nil {
					_ = exporter.Close()
					return err
				}
				exported++
				logger.Debug("message exported", "messageID", id, "parts", len(msg.Parts))
			}
			if err := exporter.Close(); err != nil {
				return err
			}

			fmt.Fprintln(c.OutOrStdout(), pterm.Success.Sprintf("Exported %d messages to %s", exported, target))
			return nil
		},
	}
	c.Flags().StringVar(&target, "to", "", "mbox archive to create")
	c.Flags().StringVar(&input, "in", "", "File listing message identifiers, one per line")
	config.RegisterStoreFlags(c)
	return c
}

// receivedAt stamps the mbox separator line. Undecodable values fall back to
// the current time, as the separator is informational.
func receivedAt(msg *model.TrackedMessage) time.Time {
	t, err := timestamp.Resolve([]model.Property{model.AdapterReceiveCompleteTime}, msg.Context, time.Now())
	if err != nil {
		return time.Now()
	}
	return t
}

func readIdentifiers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return ids, nil
}
