package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/app"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/dunning"
	"github.com/warp/billing-engine/indexation"
	"github.com/warp/billing-engine/invoicing"
)

// opener builds the application for one command run.
type opener func() (*app.App, error)

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Billing and arrears batch runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(
		generateCmd(open),
		dunningCmd(open),
		vpiCmd(open),
		reportCmd(open),
	)
	return root
}

// withApp opens the application, runs fn and closes it again.
func withApp(open opener, fn func(a *app.App) error) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDateFlag(cmd *cobra.Command, name string) (billing.Date, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return billing.Date{}, nil
	}
	d, err := billing.ParseDate(s)
	if err != nil {
		return billing.Date{}, fmt.Errorf("--%s: expected YYYY-MM-DD, got %q", name, s)
	}
	return d, nil
}

func parseDecimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	s, _ := cmd.Flags().GetString(name)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: invalid number %q", name, s)
	}
	return d, nil
}

// =============================================================================
// GENERATE
// =============================================================================

func generateCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the invoices of one billing month",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			year, _ := cmd.Flags().GetInt("year")
			month, _ := cmd.Flags().GetInt("month")

			return withApp(open, func(a *app.App) error {
				today := a.Handler.Clock.Today()
				if year == 0 {
					year = today.Year()
				}
				if month == 0 {
					month = int(today.Month())
				}
				result, err := a.Handler.Generator.Generate(cmd.Context(), invoicing.GenerateRequest{
					ScopeID: billing.ScopeID(scope),
					Year:    year,
					Month:   time.Month(month),
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if result.Failed.HasHardErrors() {
					return fmt.Errorf("%d invariant violations", result.Failed.Count(billing.KindInvariantViolation))
				}
				return nil
			})
		},
	}
	cmd.Flags().String("scope", "", "manager scope")
	cmd.Flags().Int("year", 0, "billing year (default: current)")
	cmd.Flags().Int("month", 0, "billing month 1-12 (default: current)")
	cmd.MarkFlagRequired("scope")
	return cmd
}

// =============================================================================
// DUNNING
// =============================================================================

func dunningCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dunning",
		Short: "Escalate overdue invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			sendEmails, _ := cmd.Flags().GetBool("send-emails")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			export, _ := cmd.Flags().GetBool("export")
			asOf, err := parseDateFlag(cmd, "as-of")
			if err != nil {
				return err
			}

			return withApp(open, func(a *app.App) error {
				result, err := a.Handler.Dunning.Check(cmd.Context(), dunning.CheckRequest{
					ScopeID:    billing.ScopeID(scope),
					AsOf:       asOf,
					SendEmails: sendEmails,
					DryRun:     dryRun,
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if export {
					e, err := a.Handler.Reports.ExportDunning(cmd.Context(), billing.ScopeID(scope), result)
					if err != nil {
						return err
					}
					return writeExport(cmd, e.FileName, e.URL, e.Data)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("scope", "", "manager scope")
	cmd.Flags().String("as-of", "", "evaluation date YYYY-MM-DD (default: today)")
	cmd.Flags().Bool("send-emails", false, "notify tenants of each escalation")
	cmd.Flags().Bool("dry-run", false, "report escalations without applying them")
	cmd.Flags().Bool("export", false, "store the run as a workbook")
	cmd.Flags().String("out", "", "workbook path when no storage is configured")
	cmd.MarkFlagRequired("scope")
	return cmd
}

// =============================================================================
// VPI
// =============================================================================

func vpiCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vpi",
		Short: "Consumer price index rent adjustment",
	}
	cmd.AddCommand(vpiCheckCmd(open), vpiApplyCmd(open))
	return cmd
}

func indexFlags(cmd *cobra.Command) {
	cmd.Flags().String("index", "", "published index value")
	cmd.Flags().String("published", "", "publication date YYYY-MM-DD")
	cmd.MarkFlagRequired("index")
	cmd.MarkFlagRequired("published")
}

func indexFromFlags(cmd *cobra.Command) (indexation.IndexValue, error) {
	value, err := parseDecimalFlag(cmd, "index")
	if err != nil {
		return indexation.IndexValue{}, err
	}
	published, err := parseDateFlag(cmd, "published")
	if err != nil {
		return indexation.IndexValue{}, err
	}
	return indexation.IndexValue{Value: value, PublishedAt: published}, nil
}

func vpiCheckCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "List the rent increases an index value justifies",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			index, err := indexFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(open, func(a *app.App) error {
				result, err := a.Handler.Index.Detect(cmd.Context(), billing.ScopeID(scope), index)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().String("scope", "", "manager scope")
	cmd.MarkFlagRequired("scope")
	indexFlags(cmd)
	return cmd
}

func vpiApplyCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply one confirmed rent increase",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			approvedBy, _ := cmd.Flags().GetString("approved-by")
			index, err := indexFromFlags(cmd)
			if err != nil {
				return err
			}
			effective, err := parseDateFlag(cmd, "effective")
			if err != nil {
				return err
			}
			return withApp(open, func(a *app.App) error {
				adj, err := a.Handler.Index.Apply(cmd.Context(), indexation.ApplyRequest{
					TenantID:      billing.TenantID(tenant),
					Index:         index,
					EffectiveDate: effective,
					ApprovedBy:    approvedBy,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, adj)
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("effective", "", "effective date YYYY-MM-DD (default: today)")
	cmd.Flags().String("approved-by", "", "operator confirming the increase")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("approved-by")
	indexFlags(cmd)
	return cmd
}

// =============================================================================
// REPORT
// =============================================================================

func reportCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Arrears reports",
	}

	arrears := &cobra.Command{
		Use:   "arrears",
		Short: "List unpaid invoices of a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			xlsx, _ := cmd.Flags().GetBool("xlsx")
			asOf, err := parseDateFlag(cmd, "as-of")
			if err != nil {
				return err
			}

			return withApp(open, func(a *app.App) error {
				if asOf.IsZero() {
					asOf = a.Handler.Clock.Today()
				}
				if !xlsx {
					result, err := a.Handler.Reports.Arrears(cmd.Context(), billing.ScopeID(scope), asOf)
					if err != nil {
						return err
					}
					return printJSON(cmd, result)
				}
				e, err := a.Handler.Reports.ExportArrears(cmd.Context(), billing.ScopeID(scope), asOf)
				if err != nil {
					return err
				}
				return writeExport(cmd, e.FileName, e.URL, e.Data)
			})
		},
	}
	arrears.Flags().String("scope", "", "manager scope")
	arrears.Flags().String("as-of", "", "evaluation date YYYY-MM-DD (default: today)")
	arrears.Flags().Bool("xlsx", false, "write a workbook instead of JSON")
	arrears.Flags().String("out", "", "workbook path (default: generated file name)")
	arrears.MarkFlagRequired("scope")

	cmd.AddCommand(arrears)
	return cmd
}

// writeExport prints the download link of a stored workbook, or writes
// the workbook to --out when there is no storage.
func writeExport(cmd *cobra.Command, fileName, url string, data []byte) error {
	if url != "" {
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	}
	path := fileName
	if f := cmd.Flags().Lookup("out"); f != nil && f.Value.String() != "" {
		path = f.Value.String()
	}
	if len(data) == 0 {
		return errors.New("empty workbook")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
