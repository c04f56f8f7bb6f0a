package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/board"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/orchestrator"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/options"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/syncer"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "rows",
	Short:   "Fetch and print every row",
	Run: func(cmd *cobra.Command, args []string) {
		columns, _ := cmd.Flags().GetStringSlice("columns")
		asJSON, _ := cmd.Flags().GetBool("json")
		asBoard, _ := cmd.Flags().GetBool("board")

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		records, err := newClient().List(ctx)
		if err != nil {
			fatal("failed to list rows: %v", err)
		}

		switch {
		case asJSON:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			if err := enc.Encode(records); err != nil {
				fatal("%v", err)
			}
		case asBoard:
			fmt.Print(ui.RenderBoard(board.Build(records, time.Now()), nil))
		default:
			fmt.Println(ui.RenderTable(records, columns))
			fmt.Printf("%d row(s)\n", len(records))
		}
	},
}

var setCmd = &cobra.Command{
	Use:     "set <id> <field> [value]",
	GroupID: "rows",
	Short:   "Change one field of a row",
	Long: `Change one field of a row and wait for the write.

Without a value, and when the field has a list of choices, an interactive
menu is shown.`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		id, field := args[0], args[1]

		ctx, cancel := signalContext()
		defer cancel()
		s := openSync(ctx, false, nil)
		defer s.Stop()
		requireRecord(s, id)

		var value string
		if len(args) == 3 {
			value = args[2]
		} else {
			value = promptChoice(s, id, field)
		}
		if !s.FieldOptions().Allowed(field, value) {
			fmt.Printf("%s %q is not one of the listed choices for %s\n", warnMark(), value, field)
		}

		done, err := s.Edit(id, field, value)
		if err != nil {
			s.Stop()
			fatal("%v", err)
		}
		flushCtx, flushCancel := context.WithTimeout(ctx, requestTimeout)
		defer flushCancel()
		if err := s.Flush(flushCtx); err != nil {
			s.Stop()
			fatal("%v", err)
		}
		if err := <-done; err != nil {
			s.Stop()
			fatal("%v", err)
		}
		fmt.Printf("%s row %s: %s = %s\n", passMark(), id, field, value)
	},
}

func promptChoice(s *syncer.Synchronizer, id, field string) string {
	choices := s.FieldOptions()[field]
	if len(choices) == 0 {
		s.Stop()
		fatal("%s has no choices; pass a value", field)
	}
	if !ui.IsInteractive() {
		s.Stop()
		fatal("no value given and not running in a terminal")
	}
	current, _ := s.Store().Field(id, field)
	value := current
	err := huh.NewSelect[string]().
		Title(fmt.Sprintf("%s for row %s", field, id)).
		Options(huh.NewOptions(choices...)...).
		Value(&value).
		Run()
	if err != nil {
		s.Stop()
		fatal("%v", err)
	}
	return value
}

var moveCmd = &cobra.Command{
	Use:     "move <id>",
	GroupID: "rows",
	Short:   "Move a row to another planned date",
	Long: `Move a row to another planned date.

The date may be DD.MM.YYYY, YYYY-MM-DD or natural language such as
"tomorrow" or "next friday". For delivered orders the delivery date can be
moved along with it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		to, _ := cmd.Flags().GetString("to")
		updateDelivery, _ := cmd.Flags().GetBool("update-delivery")
		if to == "" {
			fatal("--to is required")
		}
		target, err := parseTargetDate(to, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		s := openSync(ctx, false, nil)
		defer s.Stop()
		requireRecord(s, id)

		rec, _ := s.Store().Get(id)
		from := rec.Fields.Value(schema.FieldPlannedDate)
		newDate := schema.FormatDate(target)
		if from == newDate {
			fmt.Printf("Row %s is already planned for %s\n", id, newDate)
			return
		}

		delivered := schema.IsDelivered(rec.Fields.Value(schema.FieldStatus))
		if delivered && !cmd.Flags().Changed("update-delivery") && ui.IsInteractive() {
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Row %s is delivered. Also set the delivery date to %s?", id, newDate)).
				Affirmative("Yes").
				Negative("No").
				Value(&updateDelivery).
				Run()
			if err != nil {
				s.Stop()
				fatal("%v", err)
			}
		}

		results, err := s.Move(orchestrator.MoveRequest{
			RecordID:           id,
			From:               from,
			To:                 newDate,
			UpdateDeliveryDate: updateDelivery,
		})
		if err != nil {
			s.Stop()
			fatal("%v", err)
		}
		printResult(<-results)
	},
}

var deliverCmd = &cobra.Command{
	Use:     "deliver <id>",
	GroupID: "rows",
	Short:   "Mark a row delivered today",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		undo, _ := cmd.Flags().GetBool("undo")

		ctx, cancel := signalContext()
		defer cancel()
		s := openSync(ctx, false, nil)
		defer s.Stop()
		requireRecord(s, args[0])

		results, err := s.SetDelivered(args[0], !undo)
		if err != nil {
			s.Stop()
			fatal("%v", err)
		}
		printResult(<-results)
	},
}

func printResult(res orchestrator.Result) {
	switch res.Outcome {
	case orchestrator.OutcomeOK:
		fmt.Printf("%s %s\n", passMark(), orchestrator.DescribeResult(res))
	case orchestrator.OutcomeTimeout:
		fmt.Printf("%s %s\n", warnMark(), orchestrator.DescribeResult(res))
		fmt.Println("   The change is kept locally; it may still be saved.")
	default:
		fmt.Printf("%s %s\n", failMark(), orchestrator.DescribeResult(res))
	}
}

var createCmd = &cobra.Command{
	Use:     "create",
	GroupID: "rows",
	Short:   "Create a row",
	Example: `  sheetsync create --field "Номер заказа=205" --field "Клиент=Петров"`,
	Run: func(cmd *cobra.Command, args []string) {
		pairs, _ := cmd.Flags().GetStringArray("field")
		fields, err := parseFieldPairs(pairs)
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		s := openSync(ctx, false, nil)
		defer s.Stop()

		writeCtx, writeCancel := context.WithTimeout(ctx, requestTimeout)
		defer writeCancel()
		rec, err := s.Create(writeCtx, fields)
		if err != nil {
			s.Stop()
			fatal("%v", err)
		}
		fmt.Printf("%s Created row %s\n", passMark(), rec.ID)
	},
}

// parseFieldPairs turns name=value flags into Fields.
func parseFieldPairs(pairs []string) (schema.Fields, error) {
	var fields schema.Fields
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fields, fmt.Errorf("invalid field %q (want name=value)", p)
		}
		if name == schema.IDKey {
			return fields, fmt.Errorf("field name %q is reserved", schema.IDKey)
		}
		fields.Set(name, value)
	}
	if fields.Len() == 0 {
		return fields, fmt.Errorf("at least one --field is required")
	}
	return fields, nil
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "rows",
	Short:   "Delete a row",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		s := openSync(ctx, false, nil)
		defer s.Stop()

		writeCtx, writeCancel := context.WithTimeout(ctx, requestTimeout)
		defer writeCancel()
		if err := s.Delete(writeCtx, args[0]); err != nil {
			s.Stop()
			fatal("%v", err)
		}
		fmt.Printf("%s Deleted row %s\n", passMark(), args[0])
	},
}

var optionsCmd = &cobra.Command{
	Use:     "options",
	GroupID: "rows",
	Short:   "Print the choices offered for each field",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		sources := []options.Source{options.Remote{Fetcher: newClient()}}
		if cfg.Options.File != "" {
			sources = append(sources, options.File{Path: cfg.Options.File})
		}
		opts, source, failures := options.Resolve(ctx, sources...)
		for _, err := range failures {
			fmt.Fprintf(os.Stderr, "%s %v\n", warnMark(), err)
		}

		fmt.Printf("%s %s\n\n", ui.RenderMuted("source:"), source)
		for _, name := range opts.FieldNames() {
			fmt.Printf("%s\n  %s\n", ui.RenderBold(name), strings.Join(opts[name], ", "))
		}
	},
}

func init() {
	listCmd.Flags().StringSlice("columns", nil, "columns to show (default: all)")
	listCmd.Flags().Bool("json", false, "print rows as JSON")
	listCmd.Flags().Bool("board", false, "group rows by planned date")

	moveCmd.Flags().String("to", "", "target date")
	moveCmd.Flags().Bool("update-delivery", false, "also move the delivery date of a delivered row")

	deliverCmd.Flags().Bool("undo", false, "return the row to ready")

	createCmd.Flags().StringArray("field", nil, "name=value (repeatable)")

	rootCmd.AddCommand(listCmd, setCmd, moveCmd, deliverCmd, createCmd, deleteCmd, optionsCmd)
}
