package fs

import "testing"

func TestDirectoryAddRejectsDuplicateName(t *testing.T) {
	d := NewDirectory(4)
	if !d.Add("a", 7) {
		t.Fatal("Add(a) = false, want true")
	}
	if d.Add("a", 9) {
		t.Fatal("Add(a) again = true, want false (duplicate name)")
	}
}

func TestDirectoryAddFailsOnceTableFull(t *testing.T) {
	d := NewDirectory(3)
	for i := 0; i < 3; i++ {
		name := string(rune('a' + i))
		if !d.Add(name, i) {
			t.Fatalf("Add(%s) = false, want true (slot %d of 3)", name, i)
		}
	}
	if d.Add("overflow", 99) {
		t.Fatal("Add on a full directory = true, want false")
	}

	// Freeing a slot makes room again; the table stays fixed-size rather
	// than growing past its original capacity.
	if !d.Remove("a") {
		t.Fatal("Remove(a) = false, want true")
	}
	if !d.Add("d", 3) {
		t.Fatal("Add(d) after freeing a slot = false, want true")
	}
	if d.Add("e", 4) {
		t.Fatal("Add(e) on a still-full directory = true, want false")
	}
}
