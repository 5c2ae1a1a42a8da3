package continuation

import "fmt"

// Catalog maps every attribute the server can hand out to its value.
type Catalog map[string]string

// Validate fails with ErrUnknownAttribute on the first name not in the catalog.
func (c Catalog) Validate(names []string) error {
	for _, name := range names {
		if _, ok := c[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
		}
	}
	return nil
}

// Map projects the requested names onto their catalog values.
func (c Catalog) Map(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := c[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
		}
		out[name] = v
	}
	return out, nil
}
