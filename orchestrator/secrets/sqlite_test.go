package secrets

import (
	"context"
	"testing"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory manager: %v", err)
	}
	return manager
}

// ensure that interface is satisfied
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
	var _ Stopper = (*SqliteManager)(nil)
}

func TestSqliteManager_Stop(t *testing.T) {
	manager := createInMemoryDB(t)
	manager.Stop()

	err := manager.Add(context.Background(), Secret{Workflow: "ci", Key: "API_KEY", Value: "v"})
	if err == nil {
		t.Fatal("Expected error after Stop, got none")
	}
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		dbPath      string
		opts        []SqliteManagerOpt
		expectError bool
		expectTable string
	}{
		{
			name:        "default table name",
			dbPath:      ":memory:",
			expectTable: "secrets",
		},
		{
			name:        "custom table name",
			dbPath:      ":memory:",
			opts:        []SqliteManagerOpt{WithTableName("custom_secrets")},
			expectTable: "custom_secrets",
		},
		{
			name:        "invalid database path",
			dbPath:      "/invalid/path/to/database.db",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewSQLiteManager(tt.dbPath, tt.opts...)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			defer manager.db.Close()

			if manager.tableName != tt.expectTable {
				t.Errorf("Expected table name %s, got %s", tt.expectTable, manager.tableName)
			}
		})
	}
}

func TestSqliteManager_Add(t *testing.T) {
	tests := []struct {
		name        string
		secrets     []Secret
		expectError []error
	}{
		{
			name: "add single secret",
			secrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
			},
			expectError: []error{nil},
		},
		{
			name: "add multiple unique secrets",
			secrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
				{Workflow: "ci", Key: "DB_PASSWORD", Value: "password_456"},
				{Workflow: "nightly", Key: "API_KEY", Value: "other_secret"},
			},
			expectError: []error{nil, nil, nil},
		},
		{
			name: "add duplicate secret",
			secrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
				{Workflow: "ci", Key: "API_KEY", Value: "different_value"},
			},
			expectError: []error{nil, ErrKeyAlreadyPresent},
		},
		{
			name: "reject invalid key identifier",
			secrets: []Secret{
				{Workflow: "ci", Key: "not a shell ident", Value: "v"},
			},
			expectError: []error{ErrInvalidKeyIdent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)
			defer manager.db.Close()

			for i, secret := range tt.secrets {
				err := manager.Add(context.Background(), secret)
				if err != tt.expectError[i] {
					t.Errorf("Secret %d: expected error %v, got %v", i, tt.expectError[i], err)
				}
			}
		})
	}
}

func TestSqliteManager_Remove(t *testing.T) {
	tests := []struct {
		name         string
		setupSecrets []Secret
		workflow     string
		key          string
		expectError  error
	}{
		{
			name: "remove existing secret",
			setupSecrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
			},
			workflow: "ci",
			key:      "API_KEY",
		},
		{
			name: "remove non-existent secret",
			setupSecrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
			},
			workflow:    "ci",
			key:         "NON_EXISTENT",
			expectError: ErrKeyNotFound,
		},
		{
			name:        "remove from empty database",
			workflow:    "ci",
			key:         "ANY",
			expectError: ErrKeyNotFound,
		},
		{
			name: "remove secret from wrong workflow",
			setupSecrets: []Secret{
				{Workflow: "ci", Key: "API_KEY", Value: "secret_value_123"},
			},
			workflow:    "nightly",
			key:         "API_KEY",
			expectError: ErrKeyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)
			defer manager.db.Close()

			for _, secret := range tt.setupSecrets {
				if err := manager.Add(context.Background(), secret); err != nil {
					t.Fatalf("Failed to setup secret: %v", err)
				}
			}

			err := manager.Remove(context.Background(), tt.workflow, tt.key)
			if err != tt.expectError {
				t.Errorf("Expected error %v, got %v", tt.expectError, err)
			}
		})
	}
}

func TestSqliteManager_List(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()

	setup := []Secret{
		{Workflow: "ci", Key: "KEY1", Value: "value1"},
		{Workflow: "ci", Key: "KEY2", Value: "value2"},
		{Workflow: "nightly", Key: "KEY3", Value: "value3"},
	}
	for _, secret := range setup {
		if err := manager.Add(context.Background(), secret); err != nil {
			t.Fatalf("Failed to setup secret: %v", err)
		}
	}

	ls, err := manager.List(context.Background(), "ci")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ls) != 2 {
		t.Fatalf("Expected 2 secrets, got %d", len(ls))
	}

	// listing is redacted: values never come back
	for _, l := range ls {
		if l.Value != "" {
			t.Errorf("Expected redacted value for %s, got %q", l.Key, l.Value)
		}
		if l.Workflow != "ci" {
			t.Errorf("Expected workflow ci, got %s", l.Workflow)
		}
		if l.CreatedAt.IsZero() {
			t.Error("Expected CreatedAt to be set")
		}
	}
}

func TestSqliteManager_Env(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()

	setup := []Secret{
		{Workflow: "ci", Key: "KEY1", Value: "value1"},
		{Workflow: "ci", Key: "KEY2", Value: "value2"},
		{Workflow: "nightly", Key: "KEY3", Value: "value3"},
	}
	for _, secret := range setup {
		if err := manager.Add(context.Background(), secret); err != nil {
			t.Fatalf("Failed to setup secret: %v", err)
		}
	}

	env, err := manager.Env(context.Background(), "ci")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(env) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(env))
	}
	if env["KEY1"] != "value1" || env["KEY2"] != "value2" {
		t.Errorf("Unexpected env: %v", env)
	}
	if _, leaked := env["KEY3"]; leaked {
		t.Error("Env leaked a secret from another workflow")
	}
}
