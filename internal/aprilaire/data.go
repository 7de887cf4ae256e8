package aprilaire

import "maps"

// Data holds decoded attribute values keyed by attribute name.
// Integers are stored as int, temperatures as float64, text and MAC addresses
// as string, connection flags as bool. An unknown humidity is stored as nil.
type Data map[string]any

// Has reports whether key is present with a non-nil value.
func (d Data) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// Int returns the value of key as an int.
func (d Data) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case uint8:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// IntOr returns the int value of key or def when it is missing.
func (d Data) IntOr(key string, def int) int {
	if v, ok := d.Int(key); ok {
		return v
	}
	return def
}

// Float returns the value of key as a float64.
func (d Data) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Text returns the value of key as a string.
func (d Data) Text(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Bool returns the value of key as a bool; missing keys are false.
func (d Data) Bool(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// Clone returns a shallow copy of d.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	maps.Copy(out, d)
	return out
}

// Merge returns a new Data with the keys of update layered over d.
func (d Data) Merge(update Data) Data {
	out := d.Clone()
	maps.Copy(out, update)
	return out
}
