package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"dealdesk.io/common"
)

// OrgResolver maps a deal id to its owning organization. *db.DealCache
// satisfies it.
type OrgResolver interface {
	OrganizationFor(ctx context.Context, dealID string) (string, error)
}

// MigrationReport summarizes one namespace-migration run.
type MigrationReport struct {
	Scanned  int
	Migrated int
	Skipped  int      // already composite
	Orphans  []string // deal-only namespaces with no matching deal
	DryRun   bool
}

// MigrateNamespaces rewrites legacy deal-only group ids to the
// composite org:deal form. Entries already containing a colon are
// skipped, so re-running is idempotent. Namespaces whose deal cannot be
// resolved are reported as orphans and left untouched. With dryRun set,
// nothing is written.
func (s *Store) MigrateNamespaces(ctx context.Context, resolver OrgResolver, dryRun bool) (*MigrationReport, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	namespaces, err := s.distinctGroupIDs(ctx, session)
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{DryRun: dryRun}
	for _, ns := range namespaces {
		report.Scanned++
		if strings.Contains(ns, ":") {
			report.Skipped++
			continue
		}

		org, err := resolver.OrganizationFor(ctx, ns)
		if err != nil {
			report.Orphans = append(report.Orphans, ns)
			continue
		}
		composite := common.Namespace(org, ns)

		if dryRun {
			report.Migrated++
			common.Logger.WithField("from", ns).WithField("to", composite).
				Info("dry run: would migrate namespace")
			continue
		}

		if err := s.rewriteGroupID(ctx, session, ns, composite); err != nil {
			return report, fmt.Errorf("graph: migrate %s: %w", ns, err)
		}
		report.Migrated++
		common.Logger.WithField("from", ns).WithField("to", composite).
			Info("namespace migrated")
	}

	if len(report.Orphans) > 0 {
		common.Logger.WithField("orphans", report.Orphans).
			Warn("namespaces without a matching deal were left untouched")
	}
	return report, nil
}

func (s *Store) distinctGroupIDs(ctx context.Context, session neo4j.SessionWithContext) ([]string, error) {
	res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, `
			MATCH (n) WHERE n.group_id IS NOT NULL
			RETURN DISTINCT n.group_id AS group_id`, nil)
		if err != nil {
			return nil, err
		}
		var ids []string
		for result.Next(ctx) {
			if v, ok := result.Record().Get("group_id"); ok {
				if id, ok := v.(string); ok {
					ids = append(ids, id)
				}
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: list namespaces: %w", err)
	}
	return res.([]string), nil
}

func (s *Store) rewriteGroupID(ctx context.Context, session neo4j.SessionWithContext, from, to string) error {
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MATCH (n {group_id: $from})
			SET n.group_id = $to`,
			map[string]interface{}{"from": from, "to": to})
		return nil, err
	})
	return err
}
