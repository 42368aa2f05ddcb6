package engine

import (
	"context"

	"github.com/basekick-labs/eca/internal/mapper"
)

// Passthrough copies every input field to the output field of the same name
// and type. Fields without a counterpart keep their zero value.
var Passthrough = AlgorithmFunc(func(_ context.Context, input, output *mapper.Record) error {
	if output == nil {
		return nil
	}
	for _, f := range input.Fields {
		ov, ok := output.Get(f.Name)
		if !ok || ov.Type == nil || f.Value.Type == nil || ov.Type.String() != f.Value.Type.String() {
			continue
		}
		if err := output.Set(f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
})
