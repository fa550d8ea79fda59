package domxml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/anvil/internal/pci"
)

// Default attach-device templates. The placeholder values follow
// libvirt's attribute syntax: 0x-prefixed lowercase hex without zero
// padding for addresses, decimal for index and chassis.
const (
	DefaultVFTemplate = `<hostdev mode='subsystem' type='pci' managed='yes'>
  <source>
    <address type='pci' domain='{{domain}}' bus='{{bus}}' slot='{{slot}}' function='{{func}}'/>
  </source>
</hostdev>
`

	DefaultMdevTemplate = `<hostdev mode='subsystem' type='mdev' managed='no' model='vfio-pci' display='off'>
  <source>
    <address uuid='{{uuid}}'/>
  </source>
</hostdev>
`

	DefaultControllerTemplate = `<controller type='pci' index='{{index}}' model='pcie-root-port'>
  <model name='pcie-root-port'/>
  <target chassis='{{chassis}}' port='{{port}}'/>
  <address type='pci' domain='{{domain}}' bus='{{bus}}' slot='{{slot}}' function='{{func}}'/>
</controller>
`
)

// TemplateError reports a substitution whose placeholder is missing
// from the template text.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("placeholder {{%s}} not found in template", e.Placeholder)
}

// Render replaces every {{key}} placeholder with its substitution. A
// substitution whose placeholder is absent from the template is a
// TemplateError. Placeholders with no substitution are left intact;
// templates are user-supplied and may be filled in several passes.
func Render(template string, subs map[string]string) (string, error) {
	out := template
	for key, value := range subs {
		placeholder := "{{" + key + "}}"
		if !strings.Contains(out, placeholder) {
			return "", &TemplateError{Placeholder: key}
		}
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out, nil
}

// VFSubstitutions returns the placeholder set for VF and PCI
// passthrough templates.
func VFSubstitutions(addr pci.Address) map[string]string {
	return map[string]string{
		"domain": fmt.Sprintf("%#x", addr.Domain),
		"bus":    fmt.Sprintf("%#x", addr.Bus),
		"slot":   fmt.Sprintf("%#x", addr.Slot),
		"func":   fmt.Sprintf("%#x", addr.Function),
	}
}

// ControllerSubstitutions returns the placeholder set for PCI
// controller templates. addr is the guest-side address the controller
// occupies.
func ControllerSubstitutions(index, chassis, port int, addr pci.Address) map[string]string {
	subs := VFSubstitutions(addr)
	subs["index"] = strconv.Itoa(index)
	subs["chassis"] = strconv.Itoa(chassis)
	subs["port"] = fmt.Sprintf("%#x", port)
	return subs
}
