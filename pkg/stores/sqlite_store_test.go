package stores

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "unify.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Errorf("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Errorf("expected health check to fail before init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"documents", "secrets", "cache_entries"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func modelDoc(id, action, version string) *Document {
	return &Document{
		Kind:            KindModelDefinition,
		ID:              id,
		Name:            "Contacts " + action,
		Platform:        "hubspot",
		PlatformVersion: "v3",
		ModelName:       "Contact",
		ActionName:      action,
		Version:         version,
		Body:            []byte(`{"_id":"` + id + `"}`),
	}
}

// TestDocumentCRUD tests Put, GetByID and Delete
func TestDocumentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := modelDoc("cmd_1", "getMany", "1.0.0")
	if err := store.Put(ctx, doc); err != nil {
		t.Fatalf("failed to put document: %v", err)
	}
	created := doc.CreatedAt

	got, err := store.GetByID(ctx, KindModelDefinition, "cmd_1")
	if err != nil {
		t.Fatalf("failed to get document: %v", err)
	}
	if got.ModelName != "Contact" || got.ActionName != "getMany" || !bytes.Equal(got.Body, doc.Body) {
		t.Errorf("unexpected document: %+v", got)
	}
	if !got.CreatedAt.Equal(created.Truncate(time.Millisecond)) {
		t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
	}

	// The same id under another kind is a different record.
	if _, err := store.GetByID(ctx, KindCommonModel, "cmd_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Replacing keeps the creation time.
	update := modelDoc("cmd_1", "getMany", "1.1.0")
	update.Body = []byte(`{"_id":"cmd_1","v":2}`)
	time.Sleep(2 * time.Millisecond)
	if err := store.Put(ctx, update); err != nil {
		t.Fatalf("failed to replace document: %v", err)
	}
	got, err = store.GetByID(ctx, KindModelDefinition, "cmd_1")
	if err != nil {
		t.Fatalf("failed to get document: %v", err)
	}
	if got.Version != "1.1.0" || !bytes.Equal(got.Body, update.Body) {
		t.Errorf("document was not replaced: %+v", got)
	}
	if !got.CreatedAt.Equal(created.Truncate(time.Millisecond)) {
		t.Errorf("created_at changed on replace: %v", got.CreatedAt)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("expected updated_at after created_at")
	}

	if err := store.Delete(ctx, KindModelDefinition, "cmd_1"); err != nil {
		t.Fatalf("failed to delete document: %v", err)
	}
	if err := store.Delete(ctx, KindModelDefinition, "cmd_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPut_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, &Document{Kind: KindCommonModel, Body: []byte("{}")}); err == nil {
		t.Errorf("expected error for missing id")
	}
	if err := store.Put(ctx, &Document{Kind: KindCommonModel, ID: "cm_1"}); err == nil {
		t.Errorf("expected error for missing body")
	}
}

func TestPut_StaleVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"initial", "1.2.0", false},
		{"same version re-import", "1.2.0", false},
		{"newer", "1.3.0", false},
		{"older", "1.2.9", true},
		{"prefixed newer", "v2.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(ctx, modelDoc("cmd_v", "getOne", tt.version))
			if tt.wantErr {
				if !errors.Is(err, ErrStaleVersion) {
					t.Errorf("expected ErrStaleVersion, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFind(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, doc := range []*Document{
		modelDoc("cmd_a", "getMany", "1.0.0"),
		modelDoc("cmd_b", "getOne", "1.0.0"),
		modelDoc("cmd_c", "create", "1.0.0"),
		{Kind: KindCommonModel, ID: "cm_1", Name: "Contact", Body: []byte("{}")},
	} {
		if err := store.Put(ctx, doc); err != nil {
			t.Fatalf("failed to put %s: %v", doc.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		skip   int
		limit  int
		want   []string
	}{
		{"all models", Filter{Kind: KindModelDefinition}, 0, 0, []string{"cmd_a", "cmd_b", "cmd_c"}},
		{"by action", Filter{Kind: KindModelDefinition, Platform: "hubspot", ModelName: "Contact", ActionName: "getOne"}, 0, 0, []string{"cmd_b"}},
		{"other platform", Filter{Kind: KindModelDefinition, Platform: "salesforce"}, 0, 0, nil},
		{"paged", Filter{Kind: KindModelDefinition}, 1, 1, []string{"cmd_b"}},
		{"common model by name", Filter{Kind: KindCommonModel, Name: "Contact"}, 0, 0, []string{"cm_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.Find(ctx, tt.filter, tt.skip, tt.limit)
			if err != nil {
				t.Fatalf("find failed: %v", err)
			}
			if len(docs) != len(tt.want) {
				t.Fatalf("expected %d documents, got %d", len(tt.want), len(docs))
			}
			for i, doc := range docs {
				if doc.ID != tt.want[i] {
					t.Errorf("document %d: expected %s, got %s", i, tt.want[i], doc.ID)
				}
			}
		})
	}

	if _, err := store.Find(ctx, Filter{}, 0, 0); err == nil {
		t.Errorf("expected error for filter without kind")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "v1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.9.0", "1.10.0", -1},
		{"bogus", "1.0.0", -1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
