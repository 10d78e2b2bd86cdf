// Package sqlgate classifies and screens arbitrary SQL before it reaches the
// shared database. It wraps the embedded PostgreSQL parser (pg_query) so the
// decisions are made on the AST, not on string matching.
package sqlgate

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Change tags emitted by AnalyzeQuery. Dependent caches key their refresh
// off these values.
const (
	TagTables    = "tables"
	TagTable     = "table"
	TagRecords   = "records"
	TagIndex     = "index"
	TagTrigger   = "trigger"
	TagPolicy    = "policy"
	TagFunction  = "function"
	TagExtension = "extension"
)

// ChangeSetItem describes one category of database state touched by a query.
type ChangeSetItem struct {
	Tag  string `json:"tag"`
	Name string `json:"name,omitempty"`
}

// AnalyzeQuery parses sql and returns the deduplicated change set in
// first-seen order. SELECT statements (including CTEs terminating in SELECT)
// contribute nothing. A parse failure yields an empty list, never an error:
// unparseable input cannot invalidate any cache.
func AnalyzeQuery(sql string) []ChangeSetItem {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil
	}

	seen := make(map[ChangeSetItem]struct{})
	var items []ChangeSetItem
	add := func(tag, name string) {
		item := ChangeSetItem{Tag: tag, Name: name}
		if _, dup := seen[item]; dup {
			return
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}

	for _, raw := range result.Stmts {
		classifyStmt(raw.GetStmt(), add)
	}
	return items
}

// classifyStmt maps a single parsed statement onto change tags.
func classifyStmt(node *pg_query.Node, add func(tag, name string)) {
	if node == nil {
		return
	}
	switch {
	case node.GetInsertStmt() != nil:
		add(TagRecords, node.GetInsertStmt().GetRelation().GetRelname())
	case node.GetUpdateStmt() != nil:
		add(TagRecords, node.GetUpdateStmt().GetRelation().GetRelname())
	case node.GetDeleteStmt() != nil:
		add(TagRecords, node.GetDeleteStmt().GetRelation().GetRelname())

	case node.GetCreateStmt() != nil:
		add(TagTables, "")
	case node.GetAlterTableStmt() != nil:
		add(TagTable, node.GetAlterTableStmt().GetRelation().GetRelname())
	case node.GetRenameStmt() != nil:
		add(TagTable, node.GetRenameStmt().GetRelation().GetRelname())

	case node.GetIndexStmt() != nil:
		add(TagIndex, "")
	case node.GetCreateTrigStmt() != nil:
		add(TagTrigger, "")
	case node.GetCreatePolicyStmt() != nil:
		add(TagPolicy, "")
	case node.GetAlterPolicyStmt() != nil:
		add(TagPolicy, "")
	case node.GetCreateFunctionStmt() != nil:
		add(TagFunction, "")
	case node.GetCreateExtensionStmt() != nil:
		add(TagExtension, "")

	case node.GetDropStmt() != nil:
		classifyDrop(node.GetDropStmt(), add)
	}
}

// classifyDrop maps DROP statements by their object type.
func classifyDrop(drop *pg_query.DropStmt, add func(tag, name string)) {
	switch drop.GetRemoveType() {
	case pg_query.ObjectType_OBJECT_TABLE:
		add(TagTables, "")
	case pg_query.ObjectType_OBJECT_INDEX:
		add(TagIndex, "")
	case pg_query.ObjectType_OBJECT_TRIGGER:
		add(TagTrigger, "")
	case pg_query.ObjectType_OBJECT_POLICY:
		add(TagPolicy, "")
	case pg_query.ObjectType_OBJECT_FUNCTION:
		add(TagFunction, "")
	case pg_query.ObjectType_OBJECT_EXTENSION:
		add(TagExtension, "")
	}
}
