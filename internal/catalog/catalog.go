// Package catalog loads the external, data-only tables spec.md §9 keeps
// out of the core: the ECU list, the PID/DID parameter descriptors with
// their formulas and thresholds, and the human-readable NRC description
// strings. The core imposes only the schema; these contents never drive
// control flow, only presentation and decoding.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ECU mirrors spec.md §3's ECU descriptor: identity plus addressing for
// whichever transports it answers on.
type ECU struct {
	ShortCode   string  `yaml:"short_code"`
	DisplayName string  `yaml:"display_name"`
	Description string  `yaml:"description"`
	KLineAddr   *byte   `yaml:"kline_addr,omitempty"`
	CANTxID     *uint32 `yaml:"can_tx_id,omitempty"`
	CANRxID     *uint32 `yaml:"can_rx_id,omitempty"`
	Transport   string  `yaml:"transport"` // "kline", "can", or "both"
}

// Parameter mirrors spec.md §3's PID/DID parameter descriptor: a numeric
// identifier, a unit and formula over response bytes A-D, and optional
// thresholds.
type Parameter struct {
	ID       uint16  `yaml:"id"`
	Name     string  `yaml:"name"`
	Unit     string  `yaml:"unit"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Formula  string  `yaml:"formula"` // e.g. "(A*256+B)*0.1"
	Warning  float64 `yaml:"warning,omitempty"`
	Critical float64 `yaml:"critical,omitempty"`
}

// Catalog is the immutable, loaded-once set of external tables.
type Catalog struct {
	ECUs       []ECU             `yaml:"ecus"`
	PIDs       []Parameter       `yaml:"pids"`
	DIDs       []Parameter       `yaml:"dids"`
	NRCStrings map[byte]string   `yaml:"-"`
	NRCRaw     map[string]string `yaml:"nrc_strings"`
}

// Load parses the catalog document at path. Parse failure is a startup
// error — a malformed catalog must never be papered over at runtime.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	c.NRCStrings = make(map[byte]string, len(c.NRCRaw))
	for k, v := range c.NRCRaw {
		var code byte
		if _, err := fmt.Sscanf(k, "0x%02X", &code); err != nil {
			return nil, fmt.Errorf("parsing NRC key %q: %w", k, err)
		}
		c.NRCStrings[code] = v
	}
	return &c, nil
}

// ECUByCode looks up an ECU descriptor by its short code (e.g. "DDE").
func (c *Catalog) ECUByCode(code string) (ECU, bool) {
	for _, e := range c.ECUs {
		if e.ShortCode == code {
			return e, true
		}
	}
	return ECU{}, false
}

// PID looks up a PID parameter descriptor by its numeric identifier.
func (c *Catalog) PID(id uint16) (Parameter, bool) {
	for _, p := range c.PIDs {
		if p.ID == id {
			return p, true
		}
	}
	return Parameter{}, false
}

// DID looks up a DID parameter descriptor by its numeric identifier.
func (c *Catalog) DID(id uint16) (Parameter, bool) {
	for _, p := range c.DIDs {
		if p.ID == id {
			return p, true
		}
	}
	return Parameter{}, false
}

// NRCDescription returns the human-readable string for a negative response
// code, or "" if the catalog has none.
func (c *Catalog) NRCDescription(code byte) string {
	return c.NRCStrings[code]
}
