package dag

import "testing"

func TestNewTaskRejectsInvalidID(t *testing.T) {
	if _, err := NewTask("Has-Caps", "", nil); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewTask("valid_id_1", "", nil); err != nil {
		t.Fatalf("expected valid id to be accepted, got %v", err)
	}
}

func TestPathReflectsNesting(t *testing.T) {
	root, _ := NewPipeline("root", "", nil)
	sub, _ := NewPipeline("sub", "", nil)
	if err := root.Add(sub); err != nil {
		t.Fatalf("add sub: %v", err)
	}
	leaf, _ := NewTask("leaf", "", nil)
	if err := sub.Add(leaf); err != nil {
		t.Fatalf("add leaf: %v", err)
	}

	got := PathString(leaf.Path())
	want := "root" + "\x1f" + "sub" + "\x1f" + "leaf"
	if got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
}

func TestAddWiresInitialAndFinalAutomatically(t *testing.T) {
	p, _ := NewPipeline("p", "", nil)
	first, _ := NewTask("first", "", nil)
	if err := p.Add(first); err != nil {
		t.Fatal(err)
	}
	p.InitialNode = first

	middle, _ := NewTask("middle", "", nil)
	if err := p.Add(middle); err != nil {
		t.Fatal(err)
	}
	if len(middle.Upstreams()) != 1 || middle.Upstreams()[0].ID() != "first" {
		t.Fatalf("expected middle to be auto-wired downstream of first")
	}

	last, _ := NewTask("last", "", nil)
	if err := p.Add(last); err != nil {
		t.Fatal(err)
	}
	if err := p.AddFinal(last); err != nil {
		t.Fatal(err)
	}
	if len(middle.Downstreams()) != 1 || middle.Downstreams()[0].ID() != "last" {
		t.Fatalf("expected middle to be wired upstream of the retroactively-added final node")
	}
}

func TestRemoveReconnectsUpstreamsToDownstreams(t *testing.T) {
	p, _ := NewPipeline("p", "", nil)
	a, _ := NewTask("a", "", nil)
	b, _ := NewTask("b", "", nil)
	c, _ := NewTask("c", "", nil)
	p.Add(a)
	p.Add(b, a)
	p.Add(c, b)

	if err := p.Remove(b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(c.Upstreams()) != 1 || c.Upstreams()[0].ID() != "a" {
		t.Fatalf("expected c to be rewired directly downstream of a after removing b")
	}
}

func TestReplacePreservesEdges(t *testing.T) {
	p, _ := NewPipeline("p", "", nil)
	a, _ := NewTask("a", "", nil)
	b, _ := NewTask("b", "", nil)
	c, _ := NewTask("c", "", nil)
	p.Add(a)
	p.Add(b, a)
	p.Add(c, b)

	sub, _ := NewPipeline("sub", "", nil)
	if err := p.Replace(b, sub); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(a.Downstreams()) != 1 || a.Downstreams()[0].ID() != "sub" {
		t.Fatalf("expected a to be rewired to the replacement")
	}
	if len(c.Upstreams()) != 1 || c.Upstreams()[0].ID() != "sub" {
		t.Fatalf("expected c to be rewired to the replacement")
	}
}

func TestFindNodeResolvesNestedPath(t *testing.T) {
	root, _ := NewPipeline("root", "", nil)
	sub, _ := NewPipeline("sub", "", nil)
	root.Add(sub)
	leaf, _ := NewTask("leaf", "", nil)
	sub.Add(leaf)

	n, ok := root.FindNode([]string{"sub", "leaf"})
	if !ok || n.ID() != "leaf" {
		t.Fatalf("expected to find leaf, got %v ok=%v", n, ok)
	}

	_, ok = root.FindNode([]string{"sub", "missing"})
	if ok {
		t.Fatalf("expected missing node to report not found")
	}
}

func TestAddDuplicateIDFails(t *testing.T) {
	p, _ := NewPipeline("p", "", nil)
	a, _ := NewTask("a", "", nil)
	p.Add(a)
	dup, _ := NewTask("a", "", nil)
	if err := p.Add(dup); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}
