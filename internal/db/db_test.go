package db

import (
	"strings"
	"testing"

	"github.com/zulandar/concierge/internal/config"
	"github.com/zulandar/concierge/internal/models"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "10.0.0.5",
		Port:     3307,
		User:     "bot",
		Password: "pw",
		Name:     "concierge",
	})
	for _, want := range []string{"bot:pw@tcp(10.0.0.5:3307)/concierge", "parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN = %q, want to contain %q", dsn, want)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestAllModels(t *testing.T) {
	if got := len(AllModels()); got != 8 {
		t.Errorf("AllModels() len = %d, want 8", got)
	}
}

func TestAutoMigrate_SQLite(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	if IsMySQL(gdb) {
		t.Error("IsMySQL = true for sqlite")
	}
}

func TestSeedQA_Upserts(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	if err := SeedQA(gdb, []config.QAConfig{{Scope: "global", Question: "营业时间？", Answer: "9-18"}}); err != nil {
		t.Fatalf("SeedQA: %v", err)
	}
	if err := SeedQA(gdb, []config.QAConfig{{Scope: "global", Question: "营业 时间", Answer: "9-21"}}); err != nil {
		t.Fatalf("SeedQA again: %v", err)
	}

	var entries []models.QAEntry
	gdb.Find(&entries)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Answer != "9-21" {
		t.Errorf("Answer = %q, want %q", entries[0].Answer, "9-21")
	}
	if entries[0].Question != "营业时间" {
		t.Errorf("Question = %q, want %q", entries[0].Question, "营业时间")
	}
}

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct{ in, want string }{
		{"How Much?", "howmuch"},
		{"  营业 时间？ ", "营业时间"},
		{"price!!", "price"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeQuestion(tt.in); got != tt.want {
			t.Errorf("NormalizeQuestion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
