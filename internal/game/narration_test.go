package game

import (
	"strings"
	"testing"

	"github.com/park285/reversi-bot/internal/msgcat"
)

func TestCatalogNarrator(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	n := CatalogNarrator{R: cat}
	out, err := n.Narrate(CatStarted, NarrationData{Opponent: "?[alice](https://x.test/@alice)さん", Strength: 3, URL: "https://x.test/reversi/g/1"})
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "https://x.test/reversi/g/1") {
		t.Fatalf("out=%q", out)
	}
}
