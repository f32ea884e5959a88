package catalog

import (
	"fmt"
	"strings"

	"mitavoice/internal/config"
	"mitavoice/internal/gpu"
)

// Compat is the hardware verdict for installing a model.
type Compat struct {
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`
	// OverrideAllowed is set when the model is unsupported but the user may
	// still confirm the install because ALLOW_UNSUPPORTED_GPU is on.
	OverrideAllowed bool `json:"override_allowed,omitempty"`
}

// Installable reports whether an install may proceed, possibly after
// confirmation.
func (c Compat) Installable() bool { return c.Supported || c.OverrideAllowed }

// CheckCompat evaluates d against the hardware and env switches.
func CheckCompat(d Descriptor, g gpu.Info, f config.Flags) Compat {
	if len(d.Vendors) > 0 && !vendorListed(d.Vendors, g.Vendor) {
		names := make([]string, len(d.Vendors))
		for i, v := range d.Vendors {
			names[i] = string(v)
		}
		return Compat{
			Reason:          fmt.Sprintf("model %s supports only %s GPUs, detected %s", d.ID, strings.Join(names, "/"), g.Vendor),
			OverrideAllowed: f.AllowUnsupportedGPU,
		}
	}
	if d.RequiresRTX30Plus && g.Vendor == gpu.NVIDIA && !g.IsRTX30Plus() {
		return Compat{
			Reason:          fmt.Sprintf("model %s requires an RTX 30xx/40xx card, detected %q", d.ID, g.Name),
			OverrideAllowed: f.AllowUnsupportedGPU,
		}
	}
	return Compat{Supported: true}
}

func vendorListed(list []gpu.Vendor, v gpu.Vendor) bool {
	for _, x := range list {
		if strings.EqualFold(string(x), string(v)) {
			return true
		}
	}
	return false
}
