package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/services"
)

var (
	rolesStepUp bool
	rolesTenant string
)

func init() {
	rolesCmd.Flags().BoolVar(&rolesStepUp, "step-up", false, "assume step-up authentication")
	rolesCmd.Flags().StringVarP(&rolesTenant, "tenant", "t", "", "tenant to include in the access tags")
	rootCmd.AddCommand(rolesCmd)
}

var rolesCmd = &cobra.Command{
	Use:   "roles [role]...",
	Short: "Show what a set of roles can read",
	Long: `Expand roles through the hierarchy and print the resulting access.

With no arguments, lists every known role and its privilege level.

Examples:
  ragctl roles
  ragctl roles engineering.viewer
  ragctl roles --step-up hr.admin`,
	RunE: runRoles,
}

// RolesReport is the JSON output of the roles command.
type RolesReport struct {
	Roles             []string            `json:"roles"`
	ExpandedRoles     []string            `json:"expandedRoles"`
	AllowTags         []string            `json:"allowTags"`
	MaxClassification rbac.Classification `json:"maxClassification"`
	Summary           string              `json:"summary"`
}

func runRoles(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd.Context(), func(reg services.Registry) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			listRoles(out, reg.Roles().Hierarchy())
			return nil
		}

		report := buildRolesReport(cmd.Context(), reg.Roles(), args, rolesTenant, rolesStepUp)
		if jsonOutput {
			return printJSON(out, report)
		}
		fmt.Fprint(out, report.Summary)
		fmt.Fprintf(out, "Access tags: %s\n", strings.Join(report.AllowTags, ", "))
		return nil
	})
}

func buildRolesReport(ctx context.Context, roles *rbac.Service, args []string, tenant string, stepUp bool) RolesReport {
	tags := roles.GenerateAccessTags(ctx, args, tenant)
	return RolesReport{
		Roles:             args,
		ExpandedRoles:     tags.ExpandedRoles,
		AllowTags:         tags.AllowTags,
		MaxClassification: rbac.ClassificationCap(len(args) > 0, stepUp),
		Summary:           roles.FormatAccessSummary(ctx, args, stepUp),
	}
}

func listRoles(w io.Writer, h *rbac.Hierarchy) {
	for _, role := range h.Roles() {
		inherits := h.Inherits(role)
		if len(inherits) == 0 {
			fmt.Fprintf(w, "%-24s level %d\n", role, h.Level(role))
			continue
		}
		fmt.Fprintf(w, "%-24s level %d  inherits %s\n", role, h.Level(role), strings.Join(inherits, ", "))
	}
}
