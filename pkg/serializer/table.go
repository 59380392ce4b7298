package serializer

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tabular values render as one row per item under named columns.
type Tabular interface {
	Columns() []string
	Rows() [][]string
}

var title = cases.Title(language.English)

func writeTable(out io.Writer, data any) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if t, ok := data.(Tabular); ok {
		headers := make([]string, 0, len(t.Columns()))
		for _, c := range t.Columns() {
			headers = append(headers, title.String(c))
		}
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, row := range t.Rows() {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	}

	fields := map[string]string{}
	flatten("", reflect.ValueOf(data), fields)

	fmt.Fprintln(tw, "FIELD\tVALUE")
	if len(fields) == 0 {
		fmt.Fprintln(tw, "<empty>\t")
		return tw.Flush()
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, fields[k])
	}
	return tw.Flush()
}

// flatten records every leaf of v under a dotted path.
func flatten(prefix string, v reflect.Value, out map[string]string) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			break
		}
		if s, ok := v.Interface().(fmt.Stringer); ok && v.Kind() == reflect.Pointer {
			out[prefix] = s.String()
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() || ((v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && v.IsNil()) {
		if prefix != "" {
			out[prefix] = "<nil>"
		}
		return
	}

	if v.Kind() == reflect.Struct {
		if s, ok := v.Interface().(fmt.Stringer); ok {
			out[prefix] = s.String()
			return
		}
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			flatten(join(prefix, t.Field(i).Name), v.Field(i), out)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			flatten(join(prefix, fmt.Sprint(k.Interface())), v.MapIndex(k), out)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), v.Index(i), out)
		}
	default:
		if prefix != "" {
			out[prefix] = fmt.Sprint(v.Interface())
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
