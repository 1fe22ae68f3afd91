package compliance

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmynk/payflow/internal/models"
)

//go:embed sanctions.yaml
var defaultList []byte

// ReferenceList is a sanctions list of flagged wallet addresses, names and
// emails.
type ReferenceList struct {
	Addresses []string `yaml:"addresses"`
	Names     []string `yaml:"names"`
	Emails    []string `yaml:"emails"`

	addresses map[string]string
	names     map[string]string
	emails    map[string]string
}

// ParseReferenceList decodes a YAML reference list.
func ParseReferenceList(data []byte) (*ReferenceList, error) {
	var list ReferenceList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse reference list: %w", err)
	}
	list.index()
	return &list, nil
}

// LoadReferenceList reads a YAML reference list from disk.
func LoadReferenceList(path string) (*ReferenceList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference list: %w", err)
	}
	return ParseReferenceList(data)
}

// DefaultReferenceList returns the built-in list.
func DefaultReferenceList() *ReferenceList {
	list, err := ParseReferenceList(defaultList)
	if err != nil {
		panic(err)
	}
	return list
}

// NewReferenceList builds a list from in-memory entries.
func NewReferenceList(addresses, names, emails []string) *ReferenceList {
	list := &ReferenceList{Addresses: addresses, Names: names, Emails: emails}
	list.index()
	return list
}

// Len returns the total number of entries.
func (l *ReferenceList) Len() int {
	return len(l.Addresses) + len(l.Names) + len(l.Emails)
}

func (l *ReferenceList) index() {
	l.addresses = normalizedIndex(l.Addresses)
	l.names = normalizedIndex(l.Names)
	l.emails = normalizedIndex(l.Emails)
}

// entries returns the normalized index for a screening type.
func (l *ReferenceList) entries(t models.ScreeningType) map[string]string {
	switch t {
	case models.ScreeningAddress:
		return l.addresses
	case models.ScreeningEmail:
		return l.emails
	default:
		return l.names
	}
}

// normalizedIndex maps each normalized entry to the entry as listed.
func normalizedIndex(entries []string) map[string]string {
	idx := make(map[string]string, len(entries))
	for _, e := range entries {
		if n := normalize(e); n != "" {
			idx[n] = e
		}
	}
	return idx
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
