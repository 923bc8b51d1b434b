package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/model"
)

func newInspectCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect <message-id>",
		Short: "Show the parts and context properties of a tracked message",
		Long:  "Fetch one tracked message and list its parts and context properties without writing any files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadStoreConfig(c)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid message identifier %q: %w", args[0], err)
			}

			s, err := OpenStore(c.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.FetchMessage(c.Context(), id)
			if err != nil {
				return err
			}
			return printMessage(c.OutOrStdout(), msg)
		},
	}
	config.RegisterStoreFlags(c)
	return c
}

func printMessage(w io.Writer, msg *model.TrackedMessage) error {
	fmt.Fprintln(w, pterm.DefaultSection.Sprint("Message "+msg.ID.String()))

	parts := pterm.TableData{{"#", "Name", "Bytes", "Filename hint"}}
	for i, part := range msg.Parts {
		size := "-"
		if part.Data != nil {
			n, err := io.Copy(io.Discard, part.Data)
			if err != nil {
				return fmt.Errorf("read part %d: %w", i, err)
			}
			size = strconv.FormatInt(n, 10)
		}
		hint, _ := part.Context.String(model.ReceivedFileName)
		parts = append(parts, []string{strconv.Itoa(i), part.Name, size, hint})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(parts).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)

	if len(msg.Context) == 0 {
		return nil
	}
	props := append(pterm.TableData{{"Property", "Value"}}, contextRows(msg.Context)...)
	table, err = pterm.DefaultTable.WithHasHeader().WithData(props).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	return nil
}

func contextRows(props model.Properties) [][]string {
	rows := make([][]string, 0, len(props))
	for prop, value := range props {
		rows = append(rows, []string{prop.String(), fmt.Sprint(value)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}
