package migrate_test

import (
	"strings"
	"testing"

	"skillgate/internal/db"
	"skillgate/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := migrate.Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	n, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected migrations to apply")
	}
	n, err = migrate.Migrate(conn)
	if err != nil || n != 0 {
		t.Fatalf("second migrate applied %d, err %v", n, err)
	}
	if v, err := migrate.Version(conn); err != nil || v < 1 {
		t.Fatalf("version = %d, %v", v, err)
	}
}

func TestHistoryTriggersEnforceAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := conn.Exec(q, args...); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	mustExec(`INSERT INTO proposals(id,slug,name,status,created_at,updated_at) VALUES ('p1','p1','p1','new','t','t')`)
	mustExec(`INSERT INTO proposal_history(proposal_id,ts,status,actor,outcome) VALUES ('p1','t','new','tester','submitted')`)

	if _, err := conn.Exec(`UPDATE proposal_history SET reason='edited'`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only abort, got %v", err)
	}
	if _, err := conn.Exec(`DELETE FROM proposal_history`); err == nil {
		t.Fatalf("expected delete to abort")
	}
	mustExec(`UPDATE proposals SET status='rejected' WHERE id='p1'`)
	if _, err := conn.Exec(`UPDATE proposals SET status='new' WHERE id='p1'`); err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("expected terminal abort, got %v", err)
	}
}
