package duelrank

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const idLen = 8

// Input formats understood by LoadItems.
const (
	FormatLines = "lines"
	FormatJSON  = "json"
)

// Item is one rankable record. Items have no intrinsic order; only judgments
// place them.
type Item struct {
	ID     string      `json:"id"`
	Value  string      `json:"value"`  // shown to whoever judges
	Object interface{} `json:"object"` // if loading from json file
}

// Sequence is a run of items, most preferred first once a merge produced it.
type Sequence []Item

// ShortDeterministicID generates a deterministic ID of specified length from input string.
// It uses SHA-256 hash and Base64 encoding, keeping only alphanumeric characters.
func ShortDeterministicID(input string, length int) string {
	hash := sha256.Sum256([]byte(input))
	base64Encoded := base64.URLEncoding.EncodeToString(hash[:])
	var result strings.Builder
	for _, char := range base64Encoded {
		if (char >= '0' && char <= '9') || (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			result.WriteRune(char)
		}
	}
	filtered := result.String()
	if length > len(filtered) {
		length = len(filtered)
	}
	return filtered[:length]
}

// NewItem builds an item whose identity is derived from its display value.
// Records decoded from JSON are identified by their compact encoding instead.
func NewItem(value string, object interface{}) Item {
	return Item{ID: ShortDeterministicID(value, idLen), Value: value, Object: object}
}

// Shuffle randomizes the input order in place. Adjacent pairing otherwise
// biases the first comparisons toward the order the feed supplied.
func Shuffle(items []Item, rng *rand.Rand) {
	rng.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}

// ParseTemplate compiles an item template. A leading @ names a file holding
// the template text. An empty string yields a nil template.
func ParseTemplate(templateData string) (*template.Template, error) {
	if templateData == "" {
		return nil, nil
	}
	if templateData[0] == '@' {
		content, err := os.ReadFile(templateData[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read template file %s: %w", templateData[1:], err)
		}
		templateData = string(content)
	}
	tmpl, err := template.New("duelrank-item-template").Parse(templateData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

// LoadItemsFromFile loads items from a JSON array (".json" or forceJSON) or
// from a text file with one record per line.
func LoadItemsFromFile(filePath string, templateData string, forceJSON bool, logger *slog.Logger) ([]Item, error) {
	tmpl, err := ParseTemplate(templateData)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", filePath, err)
	}
	defer file.Close()

	format := FormatLines
	if ext := strings.ToLower(filepath.Ext(filePath)); ext == ".json" || forceJSON {
		format = FormatJSON
	}

	items, err := LoadItems(file, format, tmpl, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return items, nil
}

// LoadItems decodes items from r. Duplicate identities are dropped.
func LoadItems(r io.Reader, format string, tmpl *template.Template, logger *slog.Logger) ([]Item, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var items []Item
	var err error
	switch format {
	case FormatJSON:
		items, err = loadJSON(r, tmpl, logger)
	case FormatLines:
		items, err = loadLines(r, tmpl)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(items))
	unique := items[:0]
	for _, item := range items {
		if seen[item.ID] {
			logger.Warn("Dropping duplicate item", "id", item.ID, "value", item.Value)
			continue
		}
		seen[item.ID] = true
		unique = append(unique, item)
	}
	return unique, nil
}

func loadJSON(r io.Reader, tmpl *template.Template, logger *slog.Logger) ([]Item, error) {
	// parse the input as an opaque array
	var data []interface{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array of records: %v", ErrMalformedInput, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: expected a JSON array of records, got null", ErrMalformedInput)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected content after the JSON array", ErrMalformedInput)
	}

	// song lists are often grouped into nested arrays; flatten one level
	var records []interface{}
	for _, value := range data {
		if nested, ok := value.([]interface{}); ok {
			records = append(records, nested...)
			continue
		}
		records = append(records, value)
	}

	if tmpl == nil && len(records) > 0 {
		logger.Warn("using json input without a template, using JSON object as it is")
	}

	items := make([]Item, 0, len(records))
	for i, value := range records {
		if _, ok := value.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("%w: element %d is %T, not a record", ErrMalformedInput, i, value)
		}

		// identity comes from the whole record so a template that shows only
		// some fields does not merge distinct records
		jsonValue, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON value: %w", err)
		}
		valueStr := string(jsonValue)
		if tmpl != nil {
			var tmplData bytes.Buffer
			if err := tmpl.Execute(&tmplData, value); err != nil {
				return nil, fmt.Errorf("failed to execute template: %w", err)
			}
			valueStr = tmplData.String()
		}
		items = append(items, Item{ID: ShortDeterministicID(string(jsonValue), idLen), Value: valueStr, Object: value})
	}
	return items, nil
}

func loadLines(r io.Reader, tmpl *template.Template) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if tmpl != nil {
			var tmplData bytes.Buffer
			if err := tmpl.Execute(&tmplData, map[string]string{"Data": line}); err != nil {
				return nil, fmt.Errorf("failed to execute template on line: %w", err)
			}
			line = tmplData.String()
		}
		items = append(items, NewItem(line, nil))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lines: %w", err)
	}
	return items, nil
}

// validateItems rejects feeds that cannot be ranked: items without an
// identity, or two items sharing one.
func validateItems(items []Item) error {
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.ID == "" {
			return fmt.Errorf("%w: item %d has no id", ErrMalformedInput, i)
		}
		if seen[item.ID] {
			return fmt.Errorf("%w: duplicate item id %s", ErrMalformedInput, item.ID)
		}
		seen[item.ID] = true
	}
	return nil
}
