// Package convert translates portable layer descriptions into accelerated
// operators. A graph-level converter hands each layer to the registry, which
// builds an operator with identical forward/backward numerics and optionally
// restores its serialized state.
package convert

// LayerDef is a portable description of one layer: a type tag plus named
// scalar attributes.
type LayerDef struct {
	Type    string
	Name    string
	Ints    map[string]int64
	Floats  map[string]float64
	Strings map[string]string
}

// Int returns a named int attribute, or def when absent.
func (d *LayerDef) Int(name string, def int64) int64 {
	if v, ok := d.Ints[name]; ok {
		return v
	}
	return def
}

// Float returns a named float attribute, or def when absent.
func (d *LayerDef) Float(name string, def float64) float64 {
	if v, ok := d.Floats[name]; ok {
		return v
	}
	return def
}

// String returns a named string attribute, or def when absent.
func (d *LayerDef) String(name, def string) string {
	if v, ok := d.Strings[name]; ok {
		return v
	}
	return def
}

// Bool reads an int attribute as a flag.
func (d *LayerDef) Bool(name string, def bool) bool {
	v, ok := d.Ints[name]
	if !ok {
		return def
	}
	return v != 0
}
