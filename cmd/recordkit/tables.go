package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/recordkit/schema"
)

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect, verify the tenant and measure a round trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			start := time.Now()
			if err := c.Ping(cmd.Context()); err != nil {
				return a.runError(err)
			}
			elapsed := time.Since(start)

			identity := c.Identity()
			if a.output == "json" {
				return a.printJSON(map[string]interface{}{
					"latencyMs": elapsed.Milliseconds(),
					"identity":  identity,
				}, nil)
			}

			a.out.success(fmt.Sprintf("connected (%s)", a.out.dim(fmt.Sprintf("%dms", elapsed.Milliseconds()))))
			keys := make([]string, 0, len(identity))
			for k := range identity {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(a.out.out, "  %-10s %v\n", k, identity[k])
			}
			return nil
		},
	}
}

func newTablesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			tables, err := c.ListTables(cmd.Context())
			if err != nil {
				return a.runError(err)
			}
			if a.output == "json" {
				return a.printJSON(tables, nil)
			}
			if len(tables) == 0 {
				a.out.info("no tables")
				return nil
			}

			rows := make([][]string, len(tables))
			for i, t := range tables {
				rows[i] = []string{t.Name, t.PrimaryKey, fmt.Sprint(len(t.Columns))}
			}
			a.out.table([]string{"TABLE", "PRIMARY KEY", "COLUMNS"}, rows)
			return nil
		},
	}
}

func newDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the columns of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			def, err := c.DescribeTable(cmd.Context(), args[0])
			if err != nil {
				return a.runError(err)
			}
			if a.output == "json" {
				return a.printJSON(def, nil)
			}

			a.out.header(def.Name)
			rows := make([][]string, len(def.Columns))
			for i, col := range def.Columns {
				var flags string
				if col.Name == def.PrimaryKey {
					flags += "PK "
				}
				if col.Required {
					flags += "required "
				}
				if col.Unique {
					flags += "unique"
				}
				dflt := ""
				if col.DefaultValue != nil {
					dflt = fmt.Sprint(col.DefaultValue)
				}
				rows[i] = []string{col.Name, string(col.Type), strings.TrimSpace(flags), dflt}
			}
			a.out.table([]string{"COLUMN", "TYPE", "FLAGS", "DEFAULT"}, rows)
			return nil
		},
	}
}

func newCreateTableCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create-table",
		Short: "Create a table from a YAML or JSON definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var def schema.TableDefinition
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			if err := c.CreateTable(cmd.Context(), &def); err != nil {
				return a.runError(err)
			}
			a.out.success(fmt.Sprintf("table %s created", def.Name))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "table definition")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDropTableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-table <table>",
		Short: "Delete a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			if err := c.DeleteTable(cmd.Context(), args[0]); err != nil {
				return a.runError(err)
			}
			a.out.success(fmt.Sprintf("table %s deleted", args[0]))
			return nil
		},
	}
}

func newSchemaDiffCmd(a *app) *cobra.Command {
	var (
		file  string
		apply bool
		prune bool
	)

	cmd := &cobra.Command{
		Use:   "schema-diff",
		Short: "Compare local table definitions with the service",
		Long: `Compare a YAML or JSON list of table definitions with the tables on the service.
With --apply, missing tables are created; with --prune, tables absent from the
file are deleted. Column changes are reported but never applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var local []schema.TableDefinition
			if err := yaml.Unmarshal(data, &local); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect(cmd.Context())

			server, err := c.ListTables(cmd.Context())
			if err != nil {
				return a.runError(err)
			}
			diff := schema.CompareTables(local, server)
			if a.output == "json" && !apply {
				return a.printJSON(diff, nil)
			}
			if !diff.HasChanges {
				a.out.success("schema is up to date")
				return nil
			}

			a.out.header("Schema changes")
			for _, change := range diff.Changes {
				switch change.Type {
				case "create":
					fmt.Fprintf(a.out.out, "  %s %s\n", a.out.green("+"), change.TableName)
				case "delete":
					fmt.Fprintf(a.out.out, "  %s %s\n", a.out.red("-"), change.TableName)
				default:
					fmt.Fprintf(a.out.out, "  %s %s\n", a.out.yellow("~"), change.TableName)
					for _, col := range change.ColumnChanges {
						fmt.Fprintf(a.out.out, "      %s %s\n", col.Type, col.ColumnName)
					}
				}
			}
			if !apply {
				return nil
			}

			for _, change := range diff.Changes {
				switch {
				case change.Type == "create":
					if err := c.CreateTable(cmd.Context(), change.NewDefinition); err != nil {
						return a.runError(err)
					}
					a.out.success(fmt.Sprintf("created %s", change.TableName))
				case change.Type == "delete" && prune:
					if err := c.DeleteTable(cmd.Context(), change.TableName); err != nil {
						return a.runError(err)
					}
					a.out.success(fmt.Sprintf("deleted %s", change.TableName))
				case change.Type == "modify":
					a.out.warning(fmt.Sprintf("%s differs; column changes are not applied", change.TableName))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON list of table definitions")
	cmd.Flags().BoolVar(&apply, "apply", false, "create missing tables")
	cmd.Flags().BoolVar(&prune, "prune", false, "with --apply, delete tables missing from the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
