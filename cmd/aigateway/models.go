package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/registry"
)

func newModelsCmd() *cobra.Command {
	var (
		configPath string
		capability string
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.Models, cfg.Selection)
			if err != nil {
				return err
			}

			list := reg.ListModels()
			if capability != "" {
				if list, err = reg.ModelsForCapability(models.UseCase(capability)); err != nil {
					return err
				}
			}
			fmt.Print(formatCatalog(list))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&capability, "use-case", "", "only models that serve this use case, in preference order")
	return cmd
}

func formatCatalog(list []models.ModelDescriptor) string {
	if len(list) == 0 {
		return "No models found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-34s %4s %6s %12s %6s %6s %6s %8s\n",
		"MODEL", "TIER", "HIPAA", "$/TOKEN", "RPM", "RPH", "RPD", "$/DAY")
	b.WriteString(strings.Repeat("-", 91) + "\n")
	for _, m := range list {
		hipaa := "no"
		if m.HIPAACompliant {
			hipaa = "yes"
		}
		fmt.Fprintf(&b, "%-34s %4d %6s %12.6f %6d %6d %6d %8.2f\n",
			m.ID, m.Tier, hipaa, m.CostPerToken,
			m.RateLimit.RequestsPerMinute, m.RateLimit.RequestsPerHour,
			m.RateLimit.DailyRequestLimit, m.RateLimit.DailyBudget)
	}
	return b.String()
}
