package entity

// WriteShape is a raw record split into allowlisted core fields and the
// tenant custom-data bag.
type WriteShape struct {
	Core   map[string]any
	Custom map[string]any
}

// ToWriteShape splits raw into the writable core fields of typeName and the
// custom-data bag. Fields outside the allowlist that aren't the custom-data
// container are dropped silently. Pure: raw is never modified.
func (r *Registry) ToWriteShape(typeName string, raw map[string]any) (WriteShape, error) {
	spec, err := r.Lookup(typeName)
	if err != nil {
		return WriteShape{}, err
	}
	return spec.ToWriteShape(raw)
}

// ToWriteShape is the spec-level form for callers that already hold a TypeSpec.
func (s TypeSpec) ToWriteShape(raw map[string]any) (WriteShape, error) {
	if len(s.Writable) == 0 {
		return WriteShape{}, ErrNoWritableFields
	}

	allow := make(map[string]bool, len(s.Writable))
	for _, f := range s.Writable {
		allow[f] = true
	}

	shape := WriteShape{
		Core:   make(map[string]any),
		Custom: make(map[string]any),
	}
	for k, v := range raw {
		if allow[k] {
			shape.Core[k] = v
		}
	}
	if bag, ok := raw[s.customKey()].(map[string]any); ok {
		for k, v := range bag {
			shape.Custom[k] = v
		}
	}
	return shape, nil
}
