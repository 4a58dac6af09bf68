package capability

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DecodeOptions decodes a driver's manifest options into v, a pointer to
// a struct with yaml tags. Unknown keys are rejected. Durations accept
// strings such as "5s".
func DecodeOptions(opts map[string]any, v any) error {
	if len(opts) == 0 {
		return nil
	}
	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("driver options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("driver options: %w", err)
	}
	return nil
}
