package main

import (
	"testing"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

func TestParseFieldPairs(t *testing.T) {
	fields, err := parseFieldPairs([]string{"Номер заказа=205", "Примечания=a=b", "Клиент="})
	if err != nil {
		t.Fatalf("parseFieldPairs() failed: %v", err)
	}
	if got := fields.Value(schema.FieldNotes); got != "a=b" {
		t.Errorf("notes = %q, want a=b", got)
	}
	if v, ok := fields.Get(schema.FieldClient); !ok || v != "" {
		t.Errorf("client = %q, %v; want empty and present", v, ok)
	}

	for _, bad := range [][]string{nil, {"novalue"}, {"=x"}, {"_id=3"}} {
		if _, err := parseFieldPairs(bad); err == nil {
			t.Errorf("parseFieldPairs(%q) should fail", bad)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"watch", "list", "set", "move", "deliver", "create", "delete",
		"options", "export", "import", "serve", "token", "loadtest"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
			continue
		}
		if cmd.GroupID == "" {
			t.Errorf("command %q has no group", name)
		}
	}
}
