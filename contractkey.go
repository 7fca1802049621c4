package xmediator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultContractKeys derives contract keys from a message's type name and its
// exported fields:
//
//	orders.GetOrder:ID="42";Verbose=true
//
// Fields are sorted by Go name and json tags are ignored, so a field hidden
// from encoding still tells two messages apart. Each value keeps its JSON
// encoding. Non-struct messages use their JSON form whole. Messages
// implementing ContractKeyer supply their own key.
type DefaultContractKeys struct{}

var _ ContractKeyProvider = DefaultContractKeys{}

func (DefaultContractKeys) ContractKey(msg any) (string, error) {
	if msg == nil {
		return "", ErrNilMessage
	}
	if k, ok := msg.(ContractKeyer); ok {
		return k.ContractKey(), nil
	}

	name := reflect.TypeOf(msg).String()
	rv := reflect.ValueOf(msg)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		data, err := json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("xmediator: contract key for %s: %w", name, err)
		}
		return name + ":" + gjson.ParseBytes(data).Raw, nil
	}

	type field struct{ name, raw string }
	var fields []field
	for _, sf := range reflect.VisibleFields(rv.Type()) {
		if sf.Anonymous || !sf.IsExported() {
			continue
		}
		fv, err := rv.FieldByIndexErr(sf.Index)
		if err != nil {
			// promoted through a nil embedded pointer
			fields = append(fields, field{name: sf.Name, raw: "null"})
			continue
		}
		data, err := json.Marshal(fv.Interface())
		if err != nil {
			return "", fmt.Errorf("xmediator: contract key for %s.%s: %w", name, sf.Name, err)
		}
		fields = append(fields, field{name: sf.Name, raw: string(data)})
	}
	slices.SortFunc(fields, func(a, b field) int { return strings.Compare(a.name, b.name) })

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte(':')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(f.name)
		sb.WriteByte('=')
		sb.WriteString(f.raw)
	}
	return sb.String(), nil
}
