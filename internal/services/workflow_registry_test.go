package services

import (
	"context"
	"encoding/json"
	"testing"

	"opsdesk/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newRegistryTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.WorkflowDefinition{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestWorkflowRegistry_ReloadOrdering(t *testing.T) {
	db := newRegistryTestDB(t)
	registry := NewWorkflowRegistry(db, nil)

	actions := `[{"name":"notify","action_type":"broadcast"}]`
	defs := []models.WorkflowDefinition{
		{Name: "third", TriggerType: models.TriggerTicketCreated, Actions: actions, IsActive: true, ExecutionOrder: 20},
		{Name: "first", TriggerType: models.TriggerTicketCreated, Actions: actions, IsActive: true, ExecutionOrder: 5},
		{Name: "second", TriggerType: models.TriggerTicketCreated, Actions: actions, IsActive: true, ExecutionOrder: 10},
		{Name: "inactive", TriggerType: models.TriggerTicketCreated, Actions: actions, IsActive: false, ExecutionOrder: 1},
	}
	for i := range defs {
		if err := db.Create(&defs[i]).Error; err != nil {
			t.Fatalf("seed definition: %v", err)
		}
	}

	if err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	snapshot := registry.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 active definitions, got %d", len(snapshot))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snapshot[i].Definition.Name != want {
			t.Fatalf("position %d: got %q, want %q", i, snapshot[i].Definition.Name, want)
		}
	}
}

func TestWorkflowRegistry_ReloadSkipsMalformed(t *testing.T) {
	db := newRegistryTestDB(t)
	registry := NewWorkflowRegistry(db, nil)

	good := models.WorkflowDefinition{
		Name:        "good",
		TriggerType: models.TriggerTicketCreated,
		Actions:     `[{"name":"notify","action_type":"broadcast"}]`,
		IsActive:    true,
	}
	bad := models.WorkflowDefinition{
		Name:        "bad-actions",
		TriggerType: models.TriggerTicketCreated,
		Actions:     `{not valid json`,
		IsActive:    true,
	}
	badCond := models.WorkflowDefinition{
		Name:        "bad-conditions",
		TriggerType: models.TriggerTicketCreated,
		Conditions:  `[broken`,
		Actions:     `[{"name":"notify","action_type":"broadcast"}]`,
		IsActive:    true,
	}
	for _, def := range []*models.WorkflowDefinition{&good, &bad, &badCond} {
		if err := db.Create(def).Error; err != nil {
			t.Fatalf("seed definition: %v", err)
		}
	}

	if err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	snapshot := registry.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected malformed definitions to be skipped, got %d compiled", len(snapshot))
	}
	if snapshot[0].Definition.Name != "good" {
		t.Fatalf("unexpected surviving definition: %s", snapshot[0].Definition.Name)
	}
}

func TestWorkflowRegistry_CreateValidation(t *testing.T) {
	db := newRegistryTestDB(t)
	registry := NewWorkflowRegistry(db, nil)
	ctx := context.Background()

	// 不支持的触发器类型
	_, err := registry.CreateDefinition(ctx, &WorkflowDefinitionRequest{
		Name:        "bad-trigger",
		TriggerType: "ticket_deleted",
		Actions:     []Action{{Name: "n", ActionType: "broadcast"}},
	})
	if err == nil {
		t.Fatal("expected error for unsupported trigger type")
	}

	// 至少一个动作
	_, err = registry.CreateDefinition(ctx, &WorkflowDefinitionRequest{
		Name:        "no-actions",
		TriggerType: models.TriggerTicketCreated,
	})
	if err == nil {
		t.Fatal("expected error for empty action list")
	}

	// 负延迟
	_, err = registry.CreateDefinition(ctx, &WorkflowDefinitionRequest{
		Name:        "negative-delay",
		TriggerType: models.TriggerTicketCreated,
		Actions:     []Action{{Name: "n", ActionType: "broadcast", DelaySeconds: -5}},
	})
	if err == nil {
		t.Fatal("expected error for negative delay")
	}

	// 非法触发器配置 JSON
	_, err = registry.CreateDefinition(ctx, &WorkflowDefinitionRequest{
		Name:          "bad-config",
		TriggerType:   models.TriggerTicketCreated,
		TriggerConfig: json.RawMessage(`"not an object"`),
		Actions:       []Action{{Name: "n", ActionType: "broadcast"}},
	})
	if err == nil {
		t.Fatal("expected error for non-object trigger config")
	}
}

func TestWorkflowRegistry_CRUDReloads(t *testing.T) {
	db := newRegistryTestDB(t)
	registry := NewWorkflowRegistry(db, nil)
	ctx := context.Background()

	def, err := registry.CreateDefinition(ctx, &WorkflowDefinitionRequest{
		Name:          "auto-tag",
		TriggerType:   models.TriggerTicketCreated,
		TriggerConfig: json.RawMessage(`{"priority":"critical"}`),
		Actions:       []Action{{Name: "tag", ActionType: "update_ticket", Parameters: map[string]interface{}{"add_tag": "urgent"}}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(registry.Snapshot()) != 1 {
		t.Fatal("create should reload the snapshot")
	}

	// 更新为未激活后快照应为空
	inactive := false
	if _, err := registry.UpdateDefinition(ctx, def.ID, &WorkflowDefinitionRequest{
		Name:        "auto-tag",
		TriggerType: models.TriggerTicketCreated,
		Actions:     []Action{{Name: "tag", ActionType: "update_ticket", Parameters: map[string]interface{}{"add_tag": "urgent"}}},
		IsActive:    &inactive,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(registry.Snapshot()) != 0 {
		t.Fatal("deactivating a definition should remove it from the snapshot")
	}

	all, err := registry.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("list should include inactive definitions, got %d", len(all))
	}

	if err := registry.DeleteDefinition(ctx, def.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := registry.DeleteDefinition(ctx, def.ID); err == nil {
		t.Fatal("deleting a missing definition should error")
	}
}
