package mgmt

import (
	"fmt"
	"strconv"
)

// Record is one row of a query reply keyed by attribute name.
type Record map[string]any

func (r Record) String(key string) string {
	return AttributeString(r[key])
}

func (r Record) Bool(key string) bool {
	return AttributeBool(r[key])
}

func (r Record) Name() string {
	return r.String("name")
}

// ExtractRecords reassembles {attributeNames, results} into records row by row.
// Any other body shape yields no records.
func ExtractRecords(body any) []Record {
	m, ok := toStringMap(body)
	if !ok {
		return nil
	}
	rawNames, hasNames := m["attributeNames"]
	rawResults, hasResults := m["results"]
	if !hasNames || !hasResults {
		return nil
	}
	names, ok := toSlice(rawNames)
	if !ok {
		return nil
	}
	rows, ok := toSlice(rawResults)
	if !ok {
		return nil
	}
	records := make([]Record, 0, len(rows))
	for _, rawRow := range rows {
		row, ok := toSlice(rawRow)
		if !ok {
			continue
		}
		record := make(Record, len(names))
		for i, name := range names {
			if i >= len(row) {
				break
			}
			record[AttributeString(name)] = row[i]
		}
		records = append(records, record)
	}
	return records
}

func AttributeString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	}
	if n, ok := toInt(v); ok {
		return strconv.Itoa(n)
	}
	return fmt.Sprint(v)
}

func AttributeBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// toStringMap accepts both decodings of an AMQP map: string keyed when every
// key is a string or symbol, any keyed otherwise.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[AttributeString(k)] = val
		}
		return out, true
	}
	return nil, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, 0, len(s))
		for _, item := range s {
			out = append(out, item)
		}
		return out, true
	case [][]any:
		out := make([]any, 0, len(s))
		for _, item := range s {
			out = append(out, item)
		}
		return out, true
	}
	return nil, false
}
