// Package categories maps blocked traffic to AbuseIPDB category codes by
// protocol and destination port. The table is configuration, loaded once and
// immutable afterwards. See https://www.abuseipdb.com/categories
package categories

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Table resolves (protocol, destination port) to a comma-separated category
// code list, with a single default for unmapped traffic.
type Table struct {
	Default   string                       `yaml:"default"`
	Protocols map[string]map[uint16]string `yaml:"protocols"`
}

// BuiltIn returns the shipped category table
func BuiltIn() *Table {
	return &Table{
		Default: "14", // Port Scan
		Protocols: map[string]map[uint16]string{
			"TCP": {
				21:   "14,5,18",  // Port Scan | FTP Brute-Force | Brute-Force
				22:   "14,22,18", // Port Scan | SSH | Brute-Force
				23:   "14,15,18", // Port Scan | Hacking | Brute-Force
				25:   "14,11",    // Port Scan | Email Spam
				53:   "14,1,2",   // Port Scan | DNS Compromise | DNS Poisoning
				80:   "14,21",    // Port Scan | Web App Attack
				443:  "14,21",    // Port Scan | Web App Attack
				3306: "14,16",    // Port Scan | SQL Injection
				3389: "14,15,18", // Port Scan | Hacking | Brute-Force
				6666: "14,8",     // Port Scan | Fraud VoIP
				6667: "14,8",     // Port Scan | Fraud VoIP
				6668: "14,8",     // Port Scan | Fraud VoIP
				6669: "14,8",     // Port Scan | Fraud VoIP
				8080: "14,21",    // Port Scan | Web App Attack
				9999: "14,6",     // Port Scan | Ping of Death
			},
		},
	}
}

// Load loads a category table from a YAML file
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read category table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse category table: %w", err)
	}

	if t.Default == "" {
		t.Default = "14"
	}
	if t.Protocols == nil {
		t.Protocols = make(map[string]map[uint16]string)
	}

	return &t, nil
}

// Lookup returns the category codes for the given protocol and destination
// port, falling back to the default when no specific mapping exists.
func (t *Table) Lookup(proto string, port uint16) string {
	if ports, ok := t.Protocols[proto]; ok {
		if codes, ok := ports[port]; ok {
			return codes
		}
	}
	return t.Default
}
