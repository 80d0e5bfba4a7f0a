package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ehr/lis/internal/domain/laboratory"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage reference range catalog versions",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Publish a catalog YAML file as a new version",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			c, err := laboratory.LoadCatalogFile(file)
			if err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := laboratory.NewCatalogStorePG(pool).Publish(ctx, c); err != nil {
				return fmt.Errorf("publish catalog: %w", err)
			}
			fmt.Printf("Published catalog %s with %d entries.\n", c.Version, len(c.Entries))
			return nil
		},
	}
	importCmd.Flags().String("file", "", "Path to the catalog YAML file")
	cmd.AddCommand(importCmd)

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current catalog and the published versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := laboratory.NewCatalogStorePG(pool)
			c, err := store.Current(ctx)
			if err != nil {
				return err
			}
			versions, err := store.Versions(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Current version: %s (published %s)\n", c.Version, c.PublishedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Published versions: %d\n\n", len(versions))
			fmt.Printf("%-10s %-30s %-10s %-8s %-17s %s\n", "CODE", "NAME", "UNIT", "TYPE", "NORMAL", "CRITICAL")
			for _, e := range c.Entries {
				fmt.Printf("%-10s %-30s %-10s %-8s %-17s %s\n", e.Code, e.Name, e.Unit, e.ValueType,
					bounds(e.NormalMin, e.NormalMax), bounds(e.CriticalLow, e.CriticalHigh))
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)

	return cmd
}

func bounds(low, high *decimal.Decimal) string {
	if low == nil && high == nil {
		return "-"
	}
	text := func(d *decimal.Decimal) string {
		if d == nil {
			return "*"
		}
		return d.String()
	}
	return text(low) + " - " + text(high)
}
