package guard

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/roach88/tokenflow/internal/ir"
)

// ToCty converts a binding value into its cty form. Lists become tuples and
// objects become cty objects, so heterogeneous elements are allowed.
func ToCty(v ir.Value) (cty.Value, error) {
	switch val := v.(type) {
	case ir.Null:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case ir.String:
		return cty.StringVal(string(val)), nil
	case ir.Int:
		return cty.NumberIntVal(int64(val)), nil
	case ir.Bool:
		return cty.BoolVal(bool(val)), nil
	case ir.List:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(val))
		for i, item := range val {
			cv, err := ToCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case ir.Object:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, item := range val {
			cv, err := ToCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf(".%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case nil:
		return cty.NilVal, fmt.Errorf("nil value")
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", v)
	}
}
