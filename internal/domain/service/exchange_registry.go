package service

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"whale-flow-analyzer/internal/domain/entity"
)

// ExchangeDirectory answers whether an address is known to be exchange-controlled
type ExchangeDirectory interface {
	IsExchangeAddress(address string) bool
}

// ExchangeRegistry is an immutable snapshot of known exchange addresses for one run
type ExchangeRegistry struct {
	labels map[string]string // address -> label
}

// RegistryLoadStats reports how an exchange list was parsed
type RegistryLoadStats struct {
	Rows      int `json:"rows"`
	Loaded    int `json:"loaded"`
	Skipped   int `json:"skipped"`
	Duplicate int `json:"duplicate"`
}

// NewExchangeRegistry builds a registry from an address -> label map
func NewExchangeRegistry(labels map[string]string) *ExchangeRegistry {
	normalized := make(map[string]string, len(labels))
	for addr, label := range labels {
		normalized[NormalizeAddress(addr)] = label
	}
	return &ExchangeRegistry{labels: normalized}
}

// IsExchangeAddress reports registry membership in O(1)
func (r *ExchangeRegistry) IsExchangeAddress(address string) bool {
	if address == "" {
		return false
	}
	_, ok := r.labels[NormalizeAddress(address)]
	return ok
}

// Label returns the exchange label of an address, if any
func (r *ExchangeRegistry) Label(address string) (string, bool) {
	label, ok := r.labels[NormalizeAddress(address)]
	return label, ok
}

// Size returns the number of distinct addresses
func (r *ExchangeRegistry) Size() int {
	return len(r.labels)
}

// NormalizeAddress lowercases bech32 addresses, which are case-insensitive; base58 is left as is
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	lower := strings.ToLower(address)
	if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "tb1") || strings.HasPrefix(lower, "bcrt1") {
		return lower
	}
	return address
}

// ParseExchangeList parses a CSV or TSV exchange list. The address column is the one named
// "address" in a header row, or the first column otherwise. Malformed rows are skipped and
// counted; the whole list is rejected when it is not UTF-8, holds no valid row, or when the
// share of malformed rows exceeds maxMalformedRatio.
func ParseExchangeList(r io.Reader, maxMalformedRatio float64) (*ExchangeRegistry, RegistryLoadStats, error) {
	var stats RegistryLoadStats

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, stats, fmt.Errorf("%w: read: %v", entity.ErrRegistryLoad, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, stats, fmt.Errorf("%w: exchange list is empty", entity.ErrRegistryLoad)
	}
	if !utf8.Valid(data) {
		return nil, stats, fmt.Errorf("%w: exchange list is not valid UTF-8", entity.ErrRegistryLoad)
	}

	labels := make(map[string]string)
	delimiter := rune(0)
	addressCol, labelCol := 0, 1
	headerChecked := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if delimiter == 0 {
			delimiter = detectDelimiter(line)
		}

		fields, err := parseRow(line, delimiter)
		if err != nil {
			stats.Rows++
			stats.Skipped++
			continue
		}

		if !headerChecked {
			headerChecked = true
			if col, ok := findColumn(fields, "address"); ok {
				addressCol = col
				labelCol = -1
				if col, ok := findColumn(fields, "label"); ok {
					labelCol = col
				}
				continue
			}
		}

		stats.Rows++
		if addressCol >= len(fields) {
			stats.Skipped++
			continue
		}
		address := NormalizeAddress(fields[addressCol])
		if !looksLikeAddress(address) {
			stats.Skipped++
			continue
		}
		label := ""
		if labelCol >= 0 && labelCol < len(fields) && labelCol != addressCol {
			label = strings.TrimSpace(fields[labelCol])
		}
		if _, dup := labels[address]; dup {
			stats.Duplicate++
			continue
		}
		labels[address] = label
		stats.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("%w: scan: %v", entity.ErrRegistryLoad, err)
	}

	if stats.Loaded == 0 {
		return nil, stats, fmt.Errorf("%w: no valid address rows (%d skipped)", entity.ErrRegistryLoad, stats.Skipped)
	}
	if stats.Rows > 0 && float64(stats.Skipped)/float64(stats.Rows) > maxMalformedRatio {
		return nil, stats, fmt.Errorf("%w: %d of %d rows malformed", entity.ErrRegistryLoad, stats.Skipped, stats.Rows)
	}

	return &ExchangeRegistry{labels: labels}, stats, nil
}

func detectDelimiter(line string) rune {
	if strings.Count(line, "\t") > strings.Count(line, ",") {
		return '\t'
	}
	return ','
}

func parseRow(line string, delimiter rune) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.Read()
}

func findColumn(fields []string, name string) (int, bool) {
	for i, f := range fields {
		if strings.EqualFold(strings.TrimSpace(f), name) {
			return i, true
		}
	}
	return 0, false
}

// looksLikeAddress is a shape check only; no checksum validation
func looksLikeAddress(address string) bool {
	if len(address) < 14 || len(address) > 90 {
		return false
	}
	for _, c := range address {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
