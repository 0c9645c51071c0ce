package eventbus

import "testing"

func TestStaticRegistryResolvesTableNameForNonCustomEntities(t *testing.T) {
	r := NewStaticRegistry(
		EntityDefinition{EntityType: "crm:account", TableName: "crm_accounts"},
		EntityDefinition{EntityType: "crm:lead", CustomEntity: true},
	)

	table, ok := r.ResolveEntityTableName("crm:account")
	if !ok || table != "crm_accounts" {
		t.Fatalf("expected crm:account to resolve to crm_accounts, got %q ok=%v", table, ok)
	}

	if _, ok := r.ResolveEntityTableName("crm:lead"); ok {
		t.Fatalf("expected a custom entity to not resolve a base table name")
	}

	if _, ok := r.ResolveEntityTableName("unknown:entity"); ok {
		t.Fatalf("expected an unregistered entity type to not resolve")
	}
}

func TestStaticRegistryIsCustomEntity(t *testing.T) {
	r := NewStaticRegistry(
		EntityDefinition{EntityType: "crm:lead", CustomEntity: true},
		EntityDefinition{EntityType: "crm:account"},
	)

	if !r.IsCustomEntity("crm:lead") {
		t.Fatalf("expected crm:lead to be a custom entity")
	}
	if r.IsCustomEntity("crm:account") {
		t.Fatalf("expected crm:account to not be a custom entity")
	}
	if r.IsCustomEntity("unknown:entity") {
		t.Fatalf("expected an unregistered entity type to default to false")
	}
}

func TestStaticRegistryRegisterAddsAndReplaces(t *testing.T) {
	r := NewStaticRegistry()
	r.Register(EntityDefinition{EntityType: "crm:account", TableName: "crm_accounts"})
	r.Register(EntityDefinition{EntityType: "crm:account", TableName: "crm_accounts_v2"})

	if len(r.RegisteredEntityTypes()) != 1 {
		t.Fatalf("expected re-registering the same entity type not to duplicate it, got %v", r.RegisteredEntityTypes())
	}
	table, ok := r.ResolveEntityTableName("crm:account")
	if !ok || table != "crm_accounts_v2" {
		t.Fatalf("expected Register to replace the table name, got %q", table)
	}
}

func TestStaticRegistryRegisteredEntityTypesPreservesOrder(t *testing.T) {
	r := NewStaticRegistry()
	r.Register(EntityDefinition{EntityType: "crm:account"})
	r.Register(EntityDefinition{EntityType: "crm:lead"})
	r.Register(EntityDefinition{EntityType: "crm:contact"})

	got := r.RegisteredEntityTypes()
	want := []string{"crm:account", "crm:lead", "crm:contact"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
