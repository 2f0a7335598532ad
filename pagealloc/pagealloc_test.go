package pagealloc_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/pagealloc"
)

func TestAllocIsZeroed(t *testing.T) {
	a, err := pagealloc.NewArena(4)
	if err != nil {
		t.Fatal(err)
	}

	hpa, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	b := a.Bytes(hpa)
	copy(b, []byte{1, 2, 3, 4})

	a.FreePage(hpa)

	hpa2, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range a.Bytes(hpa2) {
		if v != 0 {
			t.Fatalf("byte %d of reallocated page not zeroed: %d", i, v)
		}
	}
}

func TestOOM(t *testing.T) {
	a, err := pagealloc.NewArena(1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AllocPage(); err != nil {
		t.Fatal(err)
	}

	if _, err := a.AllocPage(); err != pagealloc.ErrOOM {
		t.Fatalf("expected ErrOOM, got %v", err)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a, err := pagealloc.NewArena(2)
	if err != nil {
		t.Fatal(err)
	}

	hpa, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	a.FreePage(hpa)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double free")
		}
	}()

	a.FreePage(hpa)
}

func TestNumFreeAccounting(t *testing.T) {
	a, err := pagealloc.NewArena(3)
	if err != nil {
		t.Fatal(err)
	}

	if a.NumFree() != 3 {
		t.Fatalf("expected 3 free pages, got %d", a.NumFree())
	}

	hpa, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	if a.NumFree() != 2 {
		t.Fatalf("expected 2 free pages after alloc, got %d", a.NumFree())
	}

	a.FreePage(hpa)

	if a.NumFree() != 3 {
		t.Fatalf("expected 3 free pages after free, got %d", a.NumFree())
	}
}
