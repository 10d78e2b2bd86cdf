package sqlgate

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// reservedAuthSchema is the schema whose destructive access is blocked.
// Account rows live there; losing them orphans every identity on the tenant.
const reservedAuthSchema = "auth"

// CheckAuthSchemaOperations rejects DELETE, TRUNCATE, and DROP statements
// whose target relation is explicitly qualified with the auth schema
// (case-insensitive). Unqualified names default to the public schema and are
// permitted. Unparseable SQL passes the gate: PostgreSQL will reject it with
// a better error than we could synthesise here.
func CheckAuthSchemaOperations(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil
	}

	for _, raw := range result.Stmts {
		node := raw.GetStmt()
		if node == nil {
			continue
		}

		if del := node.GetDeleteStmt(); del != nil {
			if isAuthSchema(del.GetRelation().GetSchemaname()) {
				return deniedErr("DELETE", del.GetRelation().GetRelname())
			}
		}
		if trunc := node.GetTruncateStmt(); trunc != nil {
			for _, rel := range trunc.GetRelations() {
				rv := rel.GetRangeVar()
				if isAuthSchema(rv.GetSchemaname()) {
					return deniedErr("TRUNCATE", rv.GetRelname())
				}
			}
		}
		if drop := node.GetDropStmt(); drop != nil {
			if err := checkDrop(drop); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDrop inspects every dropped object's qualified name. DROP SCHEMA auth
// itself is also refused. Each object kind qualifies its name differently:
// relations are [schema, name] lists, relation-attached objects (triggers,
// policies, rules) are [schema, relation, name] lists, and routines arrive
// as ObjectWithArgs.
func checkDrop(drop *pg_query.DropStmt) error {
	for _, obj := range drop.GetObjects() {
		if drop.GetRemoveType() == pg_query.ObjectType_OBJECT_SCHEMA {
			if isAuthSchema(obj.GetString_().GetSval()) {
				return deniedErr("DROP SCHEMA", reservedAuthSchema)
			}
			continue
		}

		parts := obj.GetList().GetItems()
		if owa := obj.GetObjectWithArgs(); owa != nil {
			parts = owa.GetObjname()
		}
		if len(parts) < 2 {
			continue // unqualified, defaults to public
		}

		var schema, name string
		switch drop.GetRemoveType() {
		case pg_query.ObjectType_OBJECT_TRIGGER,
			pg_query.ObjectType_OBJECT_POLICY,
			pg_query.ObjectType_OBJECT_RULE:
			// Name parts are the target relation followed by the object
			// name, so the schema leads only when the relation is qualified.
			if len(parts) < 3 {
				continue
			}
			schema = parts[0].GetString_().GetSval()
			name = parts[len(parts)-1].GetString_().GetSval()
		default:
			schema = parts[len(parts)-2].GetString_().GetSval()
			name = parts[len(parts)-1].GetString_().GetSval()
		}
		if isAuthSchema(schema) {
			return deniedErr("DROP", name)
		}
	}
	return nil
}

func isAuthSchema(schema string) bool {
	return strings.EqualFold(schema, reservedAuthSchema)
}

func deniedErr(op, target string) error {
	return fmt.Errorf("%s on %s.%s is not allowed: the auth schema is managed by the platform", op, reservedAuthSchema, target)
}
