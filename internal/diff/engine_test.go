// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package diff

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/tomtom215/ecfsync/internal/ecf"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

var students = rowstore.Table{Name: "Students", KeyHeaders: []string{"Id"}}

func setup(t *testing.T, previous, current string) (*rowstore.Store, *Engine) {
	t.Helper()
	store := rowstore.New(t.TempDir(), []rowstore.Table{students})
	if previous != "" {
		write(t, store.Path("Students", rowstore.Previous), previous)
	}
	if current != "" {
		write(t, store.Path("Students", rowstore.Current), current)
	}
	return store, NewEngine(store)
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestGenerateNewAndDeletedRows(t *testing.T) {
	store, engine := setup(t,
		"Id;Name\r\n1;Anna\r\n2;Ben\r\n",
		"Id;Name\r\n1;Anna\r\n3;Carla\r\n",
	)

	res, err := engine.Generate(context.Background(), students, false)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Changed != 1 || res.Deleted != 1 || res.Unchanged != 1 {
		t.Errorf("Result = %+v, want 1 changed, 1 deleted, 1 unchanged", res)
	}
	if got := read(t, store.Path("Students", rowstore.Changed)); got != "Id;Name\r\n3;Carla\r\n" {
		t.Errorf("changed = %q", got)
	}
	if got := read(t, store.Path("Students", rowstore.Deleted)); got != "Id;Name\r\n2;Ben\r\n" {
		t.Errorf("deleted = %q", got)
	}
}

func TestGenerateCellUpdate(t *testing.T) {
	store, engine := setup(t,
		"Id;Name\r\n1;Anna\r\n",
		"Id;Name\r\n1;Anne\r\n",
	)

	res, err := engine.Generate(context.Background(), students, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || res.Deleted != 0 {
		t.Errorf("Result = %+v", res)
	}
	if got := read(t, store.Path("Students", rowstore.Changed)); got != "Id;Name\r\n1;Anne\r\n" {
		t.Errorf("changed = %q", got)
	}
	if store.Exists("Students", rowstore.Deleted) {
		t.Error("empty deleted file must not be left on disk")
	}
}

func TestGenerateNoChangesRemovesBothFiles(t *testing.T) {
	content := "Id;Name\r\n1;Anna\r\n2;Ben\r\n"
	store, engine := setup(t, content, content)

	res, err := engine.Generate(context.Background(), students, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.HasWork() {
		t.Errorf("Result = %+v, want no work", res)
	}
	if store.Exists("Students", rowstore.Changed) || store.Exists("Students", rowstore.Deleted) {
		t.Error("zero-row delta files must be deleted")
	}
}

func TestGenerateAbsentVersusEmpty(t *testing.T) {
	store, engine := setup(t,
		"Id;Name;Nick\r\n1;Anna;\r\n2;Ben;\"\"\r\n3;Carla; x\r\n",
		"Id;Name;Nick\r\n1;Anna;\"\"\r\n2;Ben;\r\n3;Carla;\" x\"\r\n",
	)

	res, err := engine.Generate(context.Background(), students, false)
	if err != nil {
		t.Fatal(err)
	}
	// Rows 1 and 2 swap absent and empty; row 3 is equal once decoded.
	if res.Changed != 2 || res.Unchanged != 1 {
		t.Errorf("Result = %+v, want 2 changed and 1 unchanged", res)
	}
	if got := read(t, store.Path("Students", rowstore.Changed)); got != "Id;Name;Nick\r\n1;Anna;\"\"\r\n2;Ben;\r\n" {
		t.Errorf("changed = %q", got)
	}
}

func TestGenerateNewColumn(t *testing.T) {
	_, engine := setup(t,
		"Id;Name\r\n1;Anna\r\n2;Ben\r\n",
		"Id;Name;Class\r\n1;Anna;\r\n2;Ben;5a\r\n",
	)

	res, err := engine.Generate(context.Background(), students, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || res.Unchanged != 1 {
		t.Errorf("Result = %+v, want only the row with a Class value changed", res)
	}
}

func TestGenerateSmartFull(t *testing.T) {
	store, engine := setup(t,
		"Id;Name\r\n1;Anna\r\n2;Ben\r\n",
		"Id;Name\r\n1;Anna\r\n3;Carla\r\n",
	)

	res, err := engine.Generate(context.Background(), students, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 2 || res.Deleted != 1 || res.Unchanged != 0 {
		t.Errorf("Result = %+v, want 2 changed and 1 deleted", res)
	}
	if got := read(t, store.Path("Students", rowstore.Changed)); got != read(t, store.Path("Students", rowstore.Current)) {
		t.Errorf("smart-full changed file should equal current, got %q", got)
	}
}

func TestGenerateCompositeKey(t *testing.T) {
	table := rowstore.Table{Name: "Classes", KeyHeaders: []string{"SchoolId", "Code"}}
	store := rowstore.New(t.TempDir(), []rowstore.Table{table})
	write(t, store.Path("Classes", rowstore.Previous), "SchoolId;Code;Size\r\nA;5a;20\r\nA;5b;21\r\n")
	write(t, store.Path("Classes", rowstore.Current), "Code;SchoolId;Size\r\n5a;A;20\r\n5b;B;21\r\n")

	res, err := NewEngine(store).Generate(context.Background(), table, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || res.Deleted != 1 || res.Unchanged != 1 {
		t.Errorf("Result = %+v", res)
	}
	if got := read(t, store.Path("Classes", rowstore.Deleted)); got != "SchoolId;Code;Size\r\nA;5b;21\r\n" {
		t.Errorf("deleted = %q, want previous layout", got)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Run("no previous", func(t *testing.T) {
		_, engine := setup(t, "", "Id\r\n1\r\n")
		if _, err := engine.Generate(context.Background(), students, false); !errors.Is(err, ErrNoPrevious) {
			t.Errorf("error = %v, want ErrNoPrevious", err)
		}
	})

	t.Run("missing key header", func(t *testing.T) {
		store, engine := setup(t, "Id;Name\r\n1;Anna\r\n", "Key;Name\r\n1;Anna\r\n")
		if _, err := engine.Generate(context.Background(), students, false); !errors.Is(err, ecf.ErrMissingKeyHeader) {
			t.Errorf("error = %v, want ErrMissingKeyHeader", err)
		}
		if store.Exists("Students", rowstore.Changed) {
			t.Error("failed generation must not leave a changed file")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		_, engine := setup(t, "Id\r\n1\r\n", "Id\r\n2\r\n")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := engine.Generate(ctx, students, false); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestGenerateSeparateOperations(t *testing.T) {
	store, engine := setup(t,
		"Id;Name\r\n1;Anna\r\n2;Ben\r\n",
		"Id;Name\r\n1;Anna\r\n3;Carla\r\n",
	)
	ctx := context.Background()

	n, err := engine.GenerateChangedOrNew(ctx, students)
	if err != nil || n != 1 {
		t.Fatalf("GenerateChangedOrNew() = %d, %v", n, err)
	}
	n, err = engine.GenerateDeletedOnly(ctx, students)
	if err != nil || n != 1 {
		t.Fatalf("GenerateDeletedOnly() = %d, %v", n, err)
	}
	if !store.Exists("Students", rowstore.Changed) || !store.Exists("Students", rowstore.Deleted) {
		t.Error("both delta files should exist")
	}
}
