package vars

import "testing"

func TestLookupWalksFrames(t *testing.T) {
	t.Parallel()
	root := NewRoot()
	root.Set("site", "shop")

	task := root.Fork()
	task.Seed(map[string]any{"category": "books"})

	capture := task.Fork()
	capture.Set("title", "First")

	for name, want := range map[string]any{
		"site":     "shop",
		"category": "books",
		"title":    "First",
	} {
		got, ok := capture.Lookup(name)
		if !ok || got != want {
			t.Errorf("Lookup(%q) = %v (%v), want %v", name, got, ok, want)
		}
	}

	if _, ok := root.Lookup("title"); ok {
		t.Error("inner binding visible from the root frame")
	}
}

func TestSetShadowsWithoutMutatingParent(t *testing.T) {
	t.Parallel()
	root := NewRoot()
	root.Set("page", 1)

	child := root.Fork()
	child.Set("page", 2)

	if v, _ := child.Lookup("page"); v != 2 {
		t.Errorf("child sees %v, want 2", v)
	}
	if v, _ := root.Lookup("page"); v != 1 {
		t.Errorf("parent sees %v, want 1", v)
	}
}

func TestLookupMissing(t *testing.T) {
	t.Parallel()
	if _, ok := NewRoot().Lookup("nope"); ok {
		t.Error("Lookup reported a binding that was never set")
	}
}
