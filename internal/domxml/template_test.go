package domxml

import (
	"errors"
	"strings"
	"testing"

	"github.com/jbweber/anvil/internal/pci"
)

func TestRender(t *testing.T) {
	out, err := Render(DefaultVFTemplate, VFSubstitutions(pci.Address{Slot: 0xf, Function: 1}))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	for _, want := range []string{
		"domain='0x0'",
		"bus='0x0'",
		"slot='0xf'",
		"function='0x1'",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in rendered output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{{") {
		t.Errorf("unreplaced placeholder left in output:\n%s", out)
	}
}

func TestRenderMissingPlaceholder(t *testing.T) {
	_, err := Render("<address slot='{{slot}}'/>", VFSubstitutions(pci.Address{}))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var tmplErr *TemplateError
	if !errors.As(err, &tmplErr) {
		t.Fatalf("expected TemplateError, got %T: %v", err, err)
	}
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	out, err := Render("<address uuid='{{uuid}}' slot='{{slot}}'/>", map[string]string{"slot": "0x5"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(out, "{{uuid}}") {
		t.Errorf("expected untouched {{uuid}} placeholder, got:\n%s", out)
	}
	if !strings.Contains(out, "slot='0x5'") {
		t.Errorf("expected substituted slot, got:\n%s", out)
	}
}

func TestVFSubstitutions(t *testing.T) {
	subs := VFSubstitutions(pci.Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1})
	want := map[string]string{
		"domain": "0x0",
		"bus":    "0x18",
		"slot":   "0x10",
		"func":   "0x1",
	}
	for key, value := range want {
		if subs[key] != value {
			t.Errorf("%s: expected %q, got %q", key, value, subs[key])
		}
	}
}

func TestControllerSubstitutions(t *testing.T) {
	subs := ControllerSubstitutions(1, 31, 31, pci.Address{Bus: 0x12, Slot: 0x1e, Function: 6})
	want := map[string]string{
		"index":   "1",
		"chassis": "31",
		"port":    "0x1f",
		"domain":  "0x0",
		"bus":     "0x12",
		"slot":    "0x1e",
		"func":    "0x6",
	}
	for key, value := range want {
		if subs[key] != value {
			t.Errorf("%s: expected %q, got %q", key, value, subs[key])
		}
	}
}
