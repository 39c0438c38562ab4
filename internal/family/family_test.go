package family

import "testing"

func TestLookup(t *testing.T) {
	info, err := Lookup(OmronHEM7361T)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !info.RequiresSecret {
		t.Error("HEM-7361T should require a secret")
	}

	info, err = Lookup(OmronHN300T2)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if info.RequiresSecret {
		t.Error("HN-300T2 should not require a secret")
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("acme_9000"); err == nil {
		t.Error("Lookup() should fail for an unknown kind")
	}
}

func TestKindsSorted(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 2 {
		t.Fatalf("got %d kinds, want 2", len(kinds))
	}
	if kinds[0] != OmronHEM7361T || kinds[1] != OmronHN300T2 {
		t.Errorf("Kinds() = %v, want sorted", kinds)
	}
}
