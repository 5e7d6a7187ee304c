package main

import (
	"capa-platform/internal/audit"

	"github.com/spf13/cobra"
)

var auditFlags struct {
	event      string
	entityType string
	entityID   string
	actorID    string
	from       string
	to         string
	page       int
	pageSize   int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	RunE:  runAuditList,
}

var auditGetCmd = &cobra.Command{
	Use:   "get <record-id>",
	Short: "Show one audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditGet,
}

func init() {
	f := auditListCmd.Flags()
	f.StringVar(&auditFlags.event, "event", "", "created, updated or deleted")
	f.StringVar(&auditFlags.entityType, "entity-type", "", "e.g. non_conformity, corrective_action")
	f.StringVar(&auditFlags.entityID, "entity-id", "", "Entity ID")
	f.StringVar(&auditFlags.actorID, "actor", "", "Actor user ID")
	f.StringVar(&auditFlags.from, "from", "", "Only records at or after, RFC3339 or YYYY-MM-DD")
	f.StringVar(&auditFlags.to, "to", "", "Only records before, RFC3339 or YYYY-MM-DD")
	f.IntVar(&auditFlags.page, "page", 1, "Page number")
	f.IntVar(&auditFlags.pageSize, "page-size", 20, "Records per page (max 100)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditGetCmd)
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	from, err := parseFlagTime("from", auditFlags.from)
	if err != nil {
		return err
	}
	to, err := parseFlagTime("to", auditFlags.to)
	if err != nil {
		return err
	}

	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	svc := audit.NewService(audit.NewPostgresRepo(db))
	page, err := svc.List(cmd.Context(), audit.Filter{
		Event:      audit.Event(auditFlags.event),
		EntityType: auditFlags.entityType,
		EntityID:   auditFlags.entityID,
		ActorID:    auditFlags.actorID,
		From:       from,
		To:         to,
	}, audit.PageRequest{Page: auditFlags.page, PageSize: auditFlags.pageSize})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), page)
}

func runAuditGet(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := audit.NewService(audit.NewPostgresRepo(db)).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rec)
}
