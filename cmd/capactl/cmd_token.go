package main

import (
	"fmt"
	"time"

	"capa-platform/internal/auth"
	"capa-platform/internal/rbac"

	"github.com/spf13/cobra"
)

var tokenFlags struct {
	userID string
	role   string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an access/refresh token pair for a user or job",
	RunE:  runTokenIssue,
}

func init() {
	f := tokenIssueCmd.Flags()
	f.StringVar(&tokenFlags.userID, "user", "", "User or job ID (required)")
	f.StringVar(&tokenFlags.role, "role", rbac.RoleAutomation, "Role carried by the access token")
	_ = tokenIssueCmd.MarkFlagRequired("user")

	tokenCmd.AddCommand(tokenIssueCmd)
}

func knownRole(r string) bool {
	switch r {
	case rbac.RoleAdmin, rbac.RoleQualityManager, rbac.RoleTechnician, rbac.RoleAuditor, rbac.RoleAutomation:
		return true
	}
	return false
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	if !knownRole(tokenFlags.role) {
		return fmt.Errorf("unknown role %q", tokenFlags.role)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now(), tokenFlags.userID, tokenFlags.role)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}
