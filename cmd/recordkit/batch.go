package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/client"
)

// errPartialFailure marks a run that finished with failed records.
var errPartialFailure = errors.New("some records failed")

// maxFailureRows bounds the failure table in text output.
const maxFailureRows = 20

func newBatchCmd(a *app, kind batch.Kind) *cobra.Command {
	var (
		table   string
		file    string
		idField string
	)

	short := map[batch.Kind]string{
		batch.KindCreate: "Create records from a file",
		batch.KindUpdate: "Update records from a file",
		batch.KindDelete: "Delete the records listed in a file",
	}[kind]

	cmd := &cobra.Command{
		Use:   kind.String(),
		Short: short,
		Long: short + `.

The file holds a YAML or JSON list. Create and update take objects; the id
field, when present, is the record ID. Delete takes IDs or objects with an
id field. Use "-" to read stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := readDocument(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			var records []batch.Record
			if kind == batch.KindDelete {
				refs, err := loadRefs(items, table, idField)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					records = append(records, batch.Record{Table: ref.Table, ID: ref.ID})
				}
			} else {
				records, err = loadRecords(items, table, idField, kind == batch.KindUpdate)
				if err != nil {
					return err
				}
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			result, runErr := c.RunBatch(cmd.Context(), kind, records, a.runConfig())
			return a.reportResult(table, result, runErr)
		},
	}

	cmd.Flags().StringVarP(&table, "table", "t", "", "target table")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON list of records")
	cmd.Flags().StringVar(&idField, "id-field", "id", "field holding the record ID")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newRetrieveCmd(a *app) *cobra.Command {
	var (
		table   string
		ids     []string
		file    string
		idField string
		columns []string
	)

	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve records by ID",
		Long: `Retrieve records by ID in batches. IDs come from --id flags, a file, or both.
Records that do not exist are listed separately and do not fail the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			refs := make([]batch.Reference, 0, len(ids))
			for _, id := range ids {
				refs = append(refs, batch.Reference{Table: table, ID: id})
			}
			if file != "" {
				items, err := readDocument(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				fromFile, err := loadRefs(items, table, idField)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}
			if len(refs) == 0 {
				return fmt.Errorf("no IDs given: use --id or --file")
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			result, runErr := c.RunBatchRetrieve(cmd.Context(), refs, columns, a.runConfig())
			if result == nil {
				return a.runError(runErr)
			}
			if a.output == "json" {
				return a.printJSON(result, runErr)
			}

			a.printRecords(result.Records, columns)
			if len(result.NotFound) > 0 {
				missing := make([]string, len(result.NotFound))
				for i, ref := range result.NotFound {
					missing[i] = ref.ID
				}
				a.out.warning(fmt.Sprintf("not found: %s", strings.Join(missing, ", ")))
			}
			return a.reportResult(table, &result.Result, runErr)
		},
	}

	cmd.Flags().StringVarP(&table, "table", "t", "", "table to read")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "record ID (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON list of IDs or objects")
	cmd.Flags().StringVar(&idField, "id-field", "id", "field holding the record ID in file objects")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to return (default all)")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "query <template>",
		Short: "Run a templated query",
		Long: `Run a query text with {{name}} placeholders bound from --param name=value.
Values are parsed as YAML scalars, so numbers and booleans keep their type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound, err := parseParams(params)
			if err != nil {
				return err
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			records, err := c.QueryText(cmd.Context(), args[0], bound)
			if err != nil {
				return a.runError(err)
			}
			if a.output == "json" {
				return a.printJSON(records, nil)
			}

			rows := make([]batch.Record, len(records))
			for i, rec := range records {
				rows[i] = batch.Record{Fields: rec}
			}
			a.printRecords(rows, nil)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter name=value (repeatable)")
	return cmd
}

// reportResult prints a run summary and maps the run outcome to an error.
func (a *app) reportResult(table string, result *batch.Result, runErr error) error {
	if result == nil {
		return a.runError(runErr)
	}
	if a.output == "json" {
		return a.printJSON(result, runErr)
	}

	a.out.header(fmt.Sprintf("%s %s", result.Kind, table))
	fmt.Fprintf(a.out.out, "  run        %s\n", a.out.dim(result.RunID))
	fmt.Fprintf(a.out.out, "  state      %s\n", a.stateLabel(result.State))
	fmt.Fprintf(a.out.out, "  records    %d requested, %d processed\n", result.Requested, result.Total)
	fmt.Fprintf(a.out.out, "  succeeded  %s\n", a.out.green(fmt.Sprint(result.SuccessCount)))
	if n := result.FailureCount(); n > 0 {
		fmt.Fprintf(a.out.out, "  failed     %s\n", a.out.red(fmt.Sprint(n)))
	} else {
		fmt.Fprintf(a.out.out, "  failed     0\n")
	}
	if result.NotFoundCount > 0 {
		fmt.Fprintf(a.out.out, "  not found  %d\n", result.NotFoundCount)
	}
	fmt.Fprintf(a.out.out, "  chunks     %d\n", len(result.Chunks))
	fmt.Fprintf(a.out.out, "  elapsed    %s\n", result.Elapsed.Round(time.Millisecond))

	if len(result.Failures) > 0 {
		fmt.Fprintln(a.out.out)
		rows := make([][]string, 0, maxFailureRows)
		for i, f := range result.Failures {
			if i == maxFailureRows {
				break
			}
			rows = append(rows, []string{fmt.Sprint(f.Position), f.RecordID, string(f.Category), f.Code, f.Message})
		}
		a.out.table([]string{"POS", "RECORD", "CATEGORY", "CODE", "MESSAGE"}, rows)
		if extra := len(result.Failures) - maxFailureRows; extra > 0 {
			fmt.Fprintln(a.out.out, a.out.dim(fmt.Sprintf("... %d more", extra)))
		}
	}

	if runErr != nil {
		return a.runError(runErr)
	}
	if result.FailureCount() > 0 {
		return fmt.Errorf("%d of %d records failed: %w", result.FailureCount(), result.Total, errPartialFailure)
	}
	a.out.success(fmt.Sprintf("%d records", result.SuccessCount))
	return nil
}

func (a *app) stateLabel(state batch.RunState) string {
	switch state {
	case batch.StateCompleted:
		return a.out.green(state.String())
	case batch.StateCancelled:
		return a.out.yellow(state.String())
	default:
		return a.out.red(state.String())
	}
}

// runError renders err in the configured verbosity.
func (a *app) runError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(client.FormatError(err, a.cfg.Client.Debug))
}

func (a *app) printJSON(v interface{}, runErr error) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out.out, string(data))
	return a.runError(runErr)
}

// printRecords prints records as a table. Without columns, every field seen
// is shown in name order.
func (a *app) printRecords(records []batch.Record, columns []string) {
	if len(records) == 0 {
		a.out.info("no records")
		return
	}

	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, rec := range records {
			for k := range rec.Fields {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}

	withID := records[0].ID != ""
	headers := columns
	if withID {
		headers = append([]string{"ID"}, columns...)
	}

	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, 0, len(headers))
		if withID {
			row = append(row, rec.ID)
		}
		for _, col := range columns {
			if v, ok := rec.Fields[col]; ok && v != nil {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}
		rows[i] = row
	}
	a.out.table(headers, rows)
}
