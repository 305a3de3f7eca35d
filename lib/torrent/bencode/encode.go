package bencode

import (
	"io"
	"reflect"
	"sort"
	"strconv"
)

// Encoder is a bencode stream encoder.
type Encoder struct {
	w interface {
		io.Writer
		WriteString(string) (int, error)
	}
}

// Encode writes the bencode representation of v to the underlying writer.
func (e *Encoder) Encode(v interface{}) error {
	if v == nil {
		return nil
	}
	if w, ok := e.w.(interface{ Flush() error }); ok {
		defer w.Flush()
	}
	return e.encodeValue(reflect.ValueOf(v))
}

func (e *Encoder) writeString(s string) error {
	if _, err := e.w.WriteString(s); err != nil {
		return err
	}
	return nil
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	if m, ok := v.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{Type: v.Type(), Err: err}
		}
		return e.writeString(string(b))
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return e.encodeValue(reflect.Zero(v.Type().Elem()))
		}
		return e.encodeValue(v.Elem())

	case reflect.Bool:
		if v.Bool() {
			return e.writeString("i1e")
		}
		return e.writeString("i0e")

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeString("i" + strconv.FormatInt(v.Int(), 10) + "e")

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeString("i" + strconv.FormatUint(v.Uint(), 10) + "e")

	case reflect.String:
		s := v.String()
		return e.writeString(strconv.Itoa(len(s)) + ":" + s)

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			if err := e.writeString(strconv.Itoa(len(b)) + ":"); err != nil {
				return err
			}
			_, err := e.w.Write(b)
			return err
		}
		return e.encodeList(v)

	case reflect.Array:
		return e.encodeList(v)

	case reflect.Map:
		return e.encodeMap(v)

	case reflect.Struct:
		return e.encodeStruct(v)

	default:
		return &MarshalTypeError{Type: v.Type()}
	}
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if err := e.writeString("l"); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return e.writeString("e")
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{Type: v.Type()}
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	if err := e.writeString("d"); err != nil {
		return err
	}
	for _, k := range keys {
		key := k.String()
		if err := e.writeString(strconv.Itoa(len(key)) + ":" + key); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return e.writeString("e")
}

type structField struct {
	key   string
	value reflect.Value
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()

	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue // unexported
		}
		tag, opts := parseTag(sf.Tag.Get("bencode"))
		if tag == "-" {
			continue
		}
		fv := v.Field(i)
		if opts.contains("omitempty") && isEmptyValue(fv) {
			continue
		}
		key := tag
		if key == "" {
			key = sf.Name
		}
		fields = append(fields, structField{key: key, value: fv})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	if err := e.writeString("d"); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeString(strconv.Itoa(len(f.key)) + ":" + f.key); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	return e.writeString("e")
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	default:
		return false
	}
}
