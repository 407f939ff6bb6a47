package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/safety"
)

func newSafetyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safety",
		Short: "Screen content with the safety gate",
	}
	cmd.AddCommand(newSafetyCheckCmd())
	return cmd
}

func newSafetyCheckCmd() *cobra.Command {
	var (
		configPath string
		useCase    string
		compliance string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Score text for PHI and unsafe content (reads stdin when no text is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			var content string
			if len(args) == 1 {
				content = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(b)
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("nothing to check")
			}

			gate := safety.New(cfg.Safety, newLogger(cfg.Log))
			v := gate.Screen(content, models.SafetyContext{
				UseCase:    models.UseCase(useCase),
				Compliance: models.ComplianceLevel(compliance),
				Direction:  "check",
			})
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}

			status := "ALLOWED"
			switch {
			case v.Blocked:
				status = "BLOCKED"
			case v.Warning:
				status = "WARNING"
			}
			fmt.Printf("%-8s score=%.2f phi=%t\n", status, v.Score, v.ContainsPHI)
			for _, f := range v.Flags {
				fmt.Printf("  %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&useCase, "use-case", "", "use case the content belongs to")
	cmd.Flags().StringVar(&compliance, "compliance", "", "none, standard, strict or audit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the verdict as JSON")
	return cmd
}
