package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/report"
)

var exportCmd = &cobra.Command{
	Use:         "export",
	Short:       "Export predictions or recommendations to a spreadsheet",
	Annotations: map[string]string{"job": "export"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		kind, _ := cmd.Flags().GetString("kind")
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = kind + ".xlsx"
		}

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		switch kind {
		case "predictions":
			loc, err := businessLocation()
			if err != nil {
				return err
			}
			fromFlag, _ := cmd.Flags().GetString("from")
			from, err := parseDateFlag(fromFlag, loc)
			if err != nil {
				return err
			}
			preds, err := pg.ListPredictions(ctx, from)
			if err != nil {
				return err
			}
			if err := report.WritePredictions(out, preds); err != nil {
				return err
			}
			zap.L().Info("predictions exported", zap.String("output", out), zap.Int("rows", len(preds)))
		case "recommendations":
			customer, err := pg.ListCustomerRecommendations(ctx)
			if err != nil {
				return err
			}
			product, err := pg.ListProductRecommendations(ctx)
			if err != nil {
				return err
			}
			if err := report.WriteRecommendations(out, customer, product); err != nil {
				return err
			}
			zap.L().Info("recommendations exported",
				zap.String("output", out),
				zap.Int("customer_rows", len(customer)),
				zap.Int("product_rows", len(product)),
			)
		default:
			return eris.Errorf("export: unknown kind %q (predictions or recommendations)", kind)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("kind", "predictions", "predictions or recommendations")
	exportCmd.Flags().String("output", "", "workbook path (default <kind>.xlsx)")
	exportCmd.Flags().String("from", "", "earliest prediction date YYYY-MM-DD (default today)")
	rootCmd.AddCommand(exportCmd)
}
