// Package family catalogues the supported device families. Configuration
// validation and driver construction both key off Kind, so adding a device
// family starts with an entry here.
package family

import (
	"fmt"
	"sort"
)

// Kind identifies a device family (the `driver` key in config).
type Kind string

const (
	OmronHEM7361T Kind = "omron_hem_7361t"
	OmronHN300T2  Kind = "omron_hn_300t2"
)

// SecretLen is the length of a device secret for families that use one.
const SecretLen = 16

// Info describes the static traits of a family.
type Info struct {
	Kind           Kind
	Description    string
	RequiresSecret bool
	// Manufacturer and Model are matched against the Device Information
	// service after connecting.
	Manufacturer string
	Model        string
	// CompanyID is the Bluetooth SIG company identifier carried in the
	// family's advertisement manufacturer data.
	CompanyID uint16
}

const omronCompanyID = 0x020e

var catalogue = map[Kind]Info{
	OmronHEM7361T: {
		Kind:           OmronHEM7361T,
		Description:    "Omron HEM-7361T (M7 Intelli IT) blood pressure monitor",
		RequiresSecret: true,
		Manufacturer:   "OMRONHEALTHCARE",
		Model:          "M7 Intelli IT",
		CompanyID:      omronCompanyID,
	},
	OmronHN300T2: {
		Kind:         OmronHN300T2,
		Description:  "Omron HN-300T2 Intelli IT body scale",
		Manufacturer: "OMRONHEALTHCARE",
		Model:        "HN300T2IntelliIT",
		CompanyID:    omronCompanyID,
	},
}

// Lookup returns the Info for kind.
func Lookup(kind Kind) (Info, error) {
	info, ok := catalogue[kind]
	if !ok {
		return Info{}, fmt.Errorf("family: unknown driver %q (known: %v)", kind, Kinds())
	}
	return info, nil
}

// Kinds returns all known kinds, sorted.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(catalogue))
	for k := range catalogue {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
